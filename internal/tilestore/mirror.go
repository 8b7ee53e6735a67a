package tilestore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"gocloud.dev/blob"
)

// BlobMirror uploads persisted bytes to a gocloud.dev blob bucket
// (file/s3/gcs/azure, chosen by the URL scheme passed to OpenBlobMirror)
// on a best-effort basis: failures are logged and counted, never returned
// to a Save caller.
type BlobMirror struct {
	bucket    *blob.Bucket
	indexName string
	logger    *log.Logger
	onError   func()

	appendIndexMu sync.Mutex
	indexBuffer   []byte
}

// OpenBlobMirror opens bucketURL (any scheme gocloud.dev/blob supports,
// registered by the caller's blank imports) and returns a Mirror that
// writes under it.
func OpenBlobMirror(ctx context.Context, bucketURL string, logger *log.Logger, onError func()) (*BlobMirror, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("tilestore: opening mirror bucket: %w", err)
	}
	return &BlobMirror{bucket: bucket, indexName: indexFileName, logger: logger, onError: onError}, nil
}

// UploadTile writes name's encoded bytes to the mirror bucket.
func (m *BlobMirror) UploadTile(name string, encoded []byte) {
	m.upload(name, encoded)
}

// UploadIndexRecord appends record to the mirrored copy of the index file.
// gocloud buckets have no append primitive, so the mirror keeps its own
// running buffer per process and rewrites the whole mirrored index on
// every record; this is acceptable because the mirror is a backup
// convenience, never a read path (Store only uploads to it).
func (m *BlobMirror) UploadIndexRecord(record []byte) {
	m.appendIndexMu.Lock()
	defer m.appendIndexMu.Unlock()
	m.indexBuffer = append(m.indexBuffer, record...)
	buf := make([]byte, len(m.indexBuffer))
	copy(buf, m.indexBuffer)
	m.upload(m.indexName, buf)
}

func (m *BlobMirror) upload(key string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w, err := m.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		m.logError(key, err)
		return
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		m.logError(key, err)
		return
	}
	if err := w.Close(); err != nil {
		m.logError(key, err)
	}
}

func (m *BlobMirror) logError(key string, err error) {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		m.logger.Printf("mirror upload of %s failed: %s (%s)", key, reqErr.Code(), reqErr.Message())
	} else {
		m.logger.Printf("mirror upload of %s failed: %v", key, err)
	}
	if m.onError != nil {
		m.onError()
	}
}
