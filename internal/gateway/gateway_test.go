package gateway

import (
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
)

// fakeTileServer speaks just enough of the TileServer wire protocol to
// drive gateway tests without a real storage-backed server.
func fakeTileServer(t *testing.T, code byte, body []byte) (addr string, cleanup func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var req [12]byte
		if _, err := io.ReadFull(conn, req[:]); err != nil {
			return
		}

		if code == codeAccepted {
			msg := make([]byte, 1+4+len(body))
			msg[0] = code
			binary.LittleEndian.PutUint32(msg[1:5], uint32(len(body)))
			copy(msg[5:], body)
			_, _ = conn.Write(msg)
		} else {
			_, _ = conn.Write([]byte{code})
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

type passThroughNext struct{ called bool }

func (p *passThroughNext) ServeHTTP(w http.ResponseWriter, r *http.Request) error {
	p.called = true
	w.WriteHeader(http.StatusNotFound)
	return nil
}

var _ caddyhttp.Handler = (*passThroughNext)(nil)

func TestServeHTTPReturnsEncodedBodyOnAccepted(t *testing.T) {
	addr, cleanup := fakeTileServer(t, codeAccepted, []byte{1, 2, 3})
	defer cleanup()

	m := Middleware{TileServerAddr: addr}
	require.NoError(t, m.Validate())
	m.logger = zap.NewNop()

	req := httptest.NewRequest(http.MethodGet, "/tile/4/1/2", nil)
	rec := httptest.NewRecorder()
	next := &passThroughNext{}

	err := m.ServeHTTP(rec, req, next)
	require.NoError(t, err)
	assert.False(t, next.called)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []byte{1, 2, 3}, rec.Body.Bytes())
}

func TestServeHTTPReturnsNotFoundOnMiss(t *testing.T) {
	addr, cleanup := fakeTileServer(t, codeNotAvailable, nil)
	defer cleanup()

	m := Middleware{TileServerAddr: addr}
	require.NoError(t, m.Validate())
	m.logger = zap.NewNop()

	req := httptest.NewRequest(http.MethodGet, "/tile/4/0/0", nil)
	rec := httptest.NewRecorder()

	err := m.ServeHTTP(rec, req, &passThroughNext{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHTTPReturnsBadRequestOnRejected(t *testing.T) {
	addr, cleanup := fakeTileServer(t, codeRejected, nil)
	defer cleanup()

	m := Middleware{TileServerAddr: addr}
	require.NoError(t, m.Validate())
	m.logger = zap.NewNop()

	req := httptest.NewRequest(http.MethodGet, "/tile/4/4/0", nil)
	rec := httptest.NewRecorder()

	err := m.ServeHTTP(rec, req, &passThroughNext{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTPPassesThroughNonTilePaths(t *testing.T) {
	m := Middleware{TileServerAddr: "127.0.0.1:1"}
	m.logger = zap.NewNop()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	next := &passThroughNext{}

	err := m.ServeHTTP(rec, req, next)
	require.NoError(t, err)
	assert.True(t, next.called)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValidateRejectsMissingAddr(t *testing.T) {
	m := Middleware{}
	assert.Error(t, m.Validate())
}

func TestValidateFillsDefaultDialTimeout(t *testing.T) {
	m := Middleware{TileServerAddr: "127.0.0.1:1"}
	require.NoError(t, m.Validate())
	assert.Greater(t, m.DialTimeout, time.Duration(0))
}
