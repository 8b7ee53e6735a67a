// Package tilestore persists Mandelbrot tiles to an append-only index file
// paired with per-tile data files, and optionally mirrors them to a remote
// blob bucket.
package tilestore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ofsouzap/mandelserve/internal/coordid"
	"github.com/ofsouzap/mandelserve/internal/tilecodec"
)

// Category is the derived classification of a tile's bytes.
type Category uint32

const (
	CategoryRegular Category = 0
	CategoryAllZero Category = 1
	CategoryAllOne  Category = 2
)

// IndexEntry is one record read from, or appended to, the index file.
type IndexEntry struct {
	Coord    coordid.Coord
	Category Category
	Filename string // only meaningful when Category == CategoryRegular
}

// ErrCorruptIndex is reported by Iterator.Err when a record can't be parsed.
var ErrCorruptIndex = errors.New("tilestore: corrupt index entry")

// ErrWrongPayloadLength is a programmer error: Save was handed a tile that
// isn't exactly tilecodec.TileBytes long.
var ErrWrongPayloadLength = errors.New("tilestore: wrong tile payload length")

const indexFileName = "_index.dat"
const fileRetryBackoff = 10 * time.Millisecond

// Mirror uploads persisted bytes to a remote bucket on a best-effort basis.
// See internal/tilestore/mirror.go for the gocloud.dev-backed implementation.
type Mirror interface {
	UploadTile(name string, encoded []byte)
	UploadIndexRecord(record []byte)
}

// Store owns DATA_DIR: the index file, the per-tile data files, and the
// in-process exclusion needed to keep concurrent callers from treading on
// each other's files.
type Store struct {
	dataDir   string
	indexPath string
	lockPath  string

	fileMu     sync.Mutex
	filesInUse map[string]bool

	dedupMu   sync.Mutex
	dedup     map[uint64]string // content hash of encoded bytes -> filename
	hasMirror bool
	mirror    Mirror
}

// New bootstraps dataDir (creating it, and an empty index file inside it,
// if either is missing) and returns a ready Store.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("tilestore: creating data directory: %w", err)
	}
	indexPath := filepath.Join(dataDir, indexFileName)
	if _, err := os.Stat(indexPath); errors.Is(err, os.ErrNotExist) {
		f, err := os.OpenFile(indexPath, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("tilestore: creating index file: %w", err)
		}
		f.Close()
	} else if err != nil {
		return nil, fmt.Errorf("tilestore: stat index file: %w", err)
	}
	return &Store{
		dataDir:    dataDir,
		indexPath:  indexPath,
		lockPath:   indexPath + ".lock",
		filesInUse: make(map[string]bool),
		dedup:      make(map[uint64]string),
	}, nil
}

// SetMirror attaches an optional remote mirror. Not safe to call
// concurrently with Save.
func (s *Store) SetMirror(m Mirror) {
	s.mirror = m
	s.hasMirror = m != nil
}

func categorize(tile []byte) Category {
	allZero, allOne := true, true
	for _, b := range tile {
		if b != 0x00 {
			allZero = false
		}
		if b != 0x01 {
			allOne = false
		}
		if !allZero && !allOne {
			break
		}
	}
	switch {
	case allZero:
		return CategoryAllZero
	case allOne:
		return CategoryAllOne
	default:
		return CategoryRegular
	}
}

// acquireIndexLock takes the advisory, cross-process index lock: an
// O_EXCL sentinel file next to the index, retried indefinitely on
// contention with a short fixed backoff. Nothing in the example corpus
// ships a flock binding, so this is the standard stdlib-only idiom for an
// advisory file lock rather than a gap left unfilled by choice.
func (s *Store) acquireIndexLock() error {
	for {
		f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return nil
		}
		if errors.Is(err, os.ErrExist) {
			time.Sleep(fileRetryBackoff)
			continue
		}
		return fmt.Errorf("tilestore: acquiring index lock: %w", err)
	}
}

func (s *Store) releaseIndexLock() {
	_ = os.Remove(s.lockPath)
}

// withFile blocks (polling every fileRetryBackoff) until name is not
// currently claimed by another in-process caller, then runs fn with name
// reserved, releasing it on return. This guards both concurrent writers of
// a fresh filename and readers racing a writer still producing it.
func (s *Store) withFile(name string, fn func() error) error {
	for {
		s.fileMu.Lock()
		if !s.filesInUse[name] {
			s.filesInUse[name] = true
			s.fileMu.Unlock()
			break
		}
		s.fileMu.Unlock()
		time.Sleep(fileRetryBackoff)
	}
	defer func() {
		s.fileMu.Lock()
		delete(s.filesInUse, name)
		s.fileMu.Unlock()
	}()
	return fn()
}

// reserveFreshFilename picks the data filename for coord: the base name if
// free, else the smallest non-negative integer suffix not already in use
// on disk or claimed in-process. The base name is never retried once a
// collision has been observed for it.
func (s *Store) reserveFreshFilename(coord coordid.Coord) (string, error) {
	base := fmt.Sprintf("%d;%d;%d", coord.Level, coord.IReal, coord.IImag)
	candidate := base
	suffix := -1
	for {
		s.fileMu.Lock()
		inUse := s.filesInUse[candidate]
		s.fileMu.Unlock()
		if !inUse {
			_, err := os.Stat(filepath.Join(s.dataDir, candidate))
			if errors.Is(err, os.ErrNotExist) {
				s.fileMu.Lock()
				if s.filesInUse[candidate] {
					s.fileMu.Unlock()
					suffix++
					candidate = fmt.Sprintf("%s.%d", base, suffix)
					continue
				}
				s.filesInUse[candidate] = true
				s.fileMu.Unlock()
				return candidate, nil
			} else if err != nil {
				return "", fmt.Errorf("tilestore: stat candidate data file: %w", err)
			}
		}
		suffix++
		candidate = fmt.Sprintf("%s.%d", base, suffix)
	}
}

// Save derives coord's category, writes its data file (content-deduping
// against bytes already written by this process when possible), then
// appends one index record. Data file first, index record second: a crash
// between the two leaves an orphan data file, not a dangling index entry.
func (s *Store) Save(coord coordid.Coord, tile []byte) (IndexEntry, error) {
	if len(tile) != tilecodec.TileBytes {
		return IndexEntry{}, fmt.Errorf("%w: got %d", ErrWrongPayloadLength, len(tile))
	}

	category := categorize(tile)
	entry := IndexEntry{Coord: coord, Category: category}

	if category == CategoryRegular {
		encoded := tilecodec.Encode(tile)
		filename, err := s.saveRegularData(coord, encoded)
		if err != nil {
			return IndexEntry{}, err
		}
		entry.Filename = filename
	}

	record := encodeIndexRecord(entry)
	if err := s.appendIndexRecord(record); err != nil {
		return IndexEntry{}, err
	}

	if s.hasMirror {
		if category == CategoryRegular {
			encoded := tilecodec.Encode(tile)
			go s.mirror.UploadTile(entry.Filename, encoded)
		}
		go s.mirror.UploadIndexRecord(record)
	}

	return entry, nil
}

func (s *Store) saveRegularData(coord coordid.Coord, encoded []byte) (string, error) {
	hash := xxhash.Sum64(encoded)

	s.dedupMu.Lock()
	existing, ok := s.dedup[hash]
	s.dedupMu.Unlock()

	if ok {
		if same, err := s.contentsEqual(existing, encoded); err == nil && same {
			return existing, nil
		}
		// hash collision (or the file vanished): fall through to a fresh write.
	}

	filename, err := s.reserveFreshFilename(coord)
	if err != nil {
		return "", err
	}
	defer func() {
		s.fileMu.Lock()
		delete(s.filesInUse, filename)
		s.fileMu.Unlock()
	}()

	if err := s.writeDataFileRetrying(filename, encoded); err != nil {
		return "", err
	}

	s.dedupMu.Lock()
	s.dedup[hash] = filename
	s.dedupMu.Unlock()

	return filename, nil
}

func (s *Store) contentsEqual(filename string, encoded []byte) (bool, error) {
	var candidate []byte
	err := s.withFile(filename, func() error {
		b, readErr := os.ReadFile(filepath.Join(s.dataDir, filename))
		if readErr != nil {
			return readErr
		}
		candidate = b
		return nil
	})
	if err != nil {
		return false, err
	}
	if len(candidate) != len(encoded) {
		return false, nil
	}
	for i := range candidate {
		if candidate[i] != encoded[i] {
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) writeDataFileRetrying(filename string, encoded []byte) error {
	path := filepath.Join(s.dataDir, filename)
	for {
		err := os.WriteFile(path, encoded, 0o644)
		if err == nil {
			return nil
		}
		if isInUseError(err) {
			time.Sleep(fileRetryBackoff)
			continue
		}
		return fmt.Errorf("tilestore: writing data file %s: %w", filename, err)
	}
}

func isInUseError(err error) bool {
	return errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrExist)
}

func encodeIndexRecord(entry IndexEntry) []byte {
	buf := make([]byte, 0, 16)
	var tmp [4]byte

	binary.LittleEndian.PutUint32(tmp[:], entry.Coord.Level)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], entry.Coord.IReal)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], entry.Coord.IImag)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], uint32(entry.Category))
	buf = append(buf, tmp[:]...)

	if entry.Category == CategoryRegular {
		name := []byte(entry.Filename)
		binary.LittleEndian.PutUint32(tmp[:], uint32(int32(len(name))))
		buf = append(buf, tmp[:]...)
		buf = append(buf, name...)
	}
	return buf
}

func (s *Store) appendIndexRecord(record []byte) error {
	if err := s.acquireIndexLock(); err != nil {
		return err
	}
	defer s.releaseIndexLock()

	f, err := os.OpenFile(s.indexPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("tilestore: opening index for append: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(record); err != nil {
		return fmt.Errorf("tilestore: appending index record: %w", err)
	}
	return f.Sync()
}

// Iterator reads index entries sequentially from a freshly reopened index
// file, surfacing ErrCorruptIndex on a truncated record instead of
// swallowing it.
type Iterator struct {
	f   *os.File
	r   *bufio.Reader
	err error
}

// Enumerate reopens the index file and returns a lazy iterator over its
// entries in insertion order.
func (s *Store) Enumerate() (*Iterator, error) {
	if err := s.acquireIndexLock(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.indexPath)
	if err != nil {
		s.releaseIndexLock()
		return nil, fmt.Errorf("tilestore: opening index for read: %w", err)
	}
	return &Iterator{f: f, r: bufio.NewReader(f)}, nil
}

// Next advances the iterator. It returns false when the index is
// exhausted (check Err to distinguish clean EOF from corruption) or once a
// corrupt record has been encountered.
func (it *Iterator) Next() (IndexEntry, bool) {
	if it.err != nil {
		return IndexEntry{}, false
	}
	var header [16]byte
	n, err := io.ReadFull(it.r, header[:])
	if err == io.EOF && n == 0 {
		return IndexEntry{}, false
	}
	if err != nil {
		it.err = fmt.Errorf("%w: %v", ErrCorruptIndex, err)
		return IndexEntry{}, false
	}

	entry := IndexEntry{
		Coord: coordid.Coord{
			Level: binary.LittleEndian.Uint32(header[0:4]),
			IReal: binary.LittleEndian.Uint32(header[4:8]),
			IImag: binary.LittleEndian.Uint32(header[8:12]),
		},
		Category: Category(binary.LittleEndian.Uint32(header[12:16])),
	}

	if entry.Category == CategoryRegular {
		var lenBuf [4]byte
		if _, err := io.ReadFull(it.r, lenBuf[:]); err != nil {
			it.err = fmt.Errorf("%w: %v", ErrCorruptIndex, err)
			return IndexEntry{}, false
		}
		nameLen := int32(binary.LittleEndian.Uint32(lenBuf[:]))
		if nameLen < 0 {
			it.err = fmt.Errorf("%w: negative name length", ErrCorruptIndex)
			return IndexEntry{}, false
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(it.r, name); err != nil {
			it.err = fmt.Errorf("%w: %v", ErrCorruptIndex, err)
			return IndexEntry{}, false
		}
		entry.Filename = string(name)
	}
	return entry, true
}

// Err returns the first error encountered, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the index file handle and the process-wide index lock.
func (it *Iterator) Close(s *Store) error {
	err := it.f.Close()
	s.releaseIndexLock()
	return err
}

// LoadEntry scans the index for the first entry matching coord.
func (s *Store) LoadEntry(coord coordid.Coord) (*IndexEntry, error) {
	it, err := s.Enumerate()
	if err != nil {
		return nil, err
	}
	defer it.Close(s)

	for {
		entry, ok := it.Next()
		if !ok {
			break
		}
		if entry.Coord == coord {
			return &entry, nil
		}
	}
	return nil, it.Err()
}

// LoadPayload materializes the tile payload for entry: synthesised
// in-memory for the uniform categories, decoded from disk for Regular.
func (s *Store) LoadPayload(entry IndexEntry) ([]byte, error) {
	switch entry.Category {
	case CategoryAllZero:
		return make([]byte, tilecodec.TileBytes), nil
	case CategoryAllOne:
		tile := make([]byte, tilecodec.TileBytes)
		for i := range tile {
			tile[i] = 0x01
		}
		return tile, nil
	case CategoryRegular:
		var encoded []byte
		err := s.withFile(entry.Filename, func() error {
			b, readErr := s.readDataFileRetrying(entry.Filename)
			if readErr != nil {
				return readErr
			}
			encoded = b
			return nil
		})
		if err != nil {
			return nil, err
		}
		tile, err := tilecodec.Decode(encoded)
		if err != nil {
			return nil, fmt.Errorf("tilestore: decoding data file %s: %w", entry.Filename, err)
		}
		return tile, nil
	default:
		return nil, fmt.Errorf("tilestore: unknown category %d", entry.Category)
	}
}

// LoadEncodedPayload returns the on-wire encoded bytes for entry, as
// TileServer sends them: for uniform categories it synthesises the
// payload and encodes it so clients always see a self-describing stream.
func (s *Store) LoadEncodedPayload(entry IndexEntry) ([]byte, error) {
	if entry.Category == CategoryRegular {
		var encoded []byte
		err := s.withFile(entry.Filename, func() error {
			b, readErr := s.readDataFileRetrying(entry.Filename)
			if readErr != nil {
				return readErr
			}
			encoded = b
			return nil
		})
		return encoded, err
	}
	tile, err := s.LoadPayload(entry)
	if err != nil {
		return nil, err
	}
	return tilecodec.Encode(tile), nil
}

func (s *Store) readDataFileRetrying(filename string) ([]byte, error) {
	path := filepath.Join(s.dataDir, filename)
	for {
		b, err := os.ReadFile(path)
		if err == nil {
			return b, nil
		}
		if isInUseError(err) {
			time.Sleep(fileRetryBackoff)
			continue
		}
		return nil, fmt.Errorf("tilestore: reading data file %s: %w", filename, err)
	}
}

// DataDir returns the directory this store is rooted at, for logging.
func (s *Store) DataDir() string {
	return s.dataDir
}
