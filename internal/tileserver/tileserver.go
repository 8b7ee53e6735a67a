// Package tileserver implements the client-facing TCP protocol: answer a
// tile query with its encoded bytes, or report it isn't available.
package tileserver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/ofsouzap/mandelserve/internal/coordid"
	"github.com/ofsouzap/mandelserve/internal/metrics"
	"github.com/ofsouzap/mandelserve/internal/storageworker"
)

const (
	codeAccepted     = 0x00
	codeRejected     = 0x01
	codeNotAvailable = 0x02
)

// DefaultReadTimeout is the per-read socket timeout used when timeouts are
// enabled.
const DefaultReadTimeout = 100 * time.Millisecond

// Config configures a Server.
type Config struct {
	Addr        string
	ReadTimeout time.Duration
	LogInfo     bool
	LogError    bool
}

// Server is the TileServer TCP listener.
type Server struct {
	listener net.Listener
	worker   *storageworker.Worker
	logger   *log.Logger
	metrics  *metrics.Metrics

	readTimeout time.Duration
	logInfo     bool
	logError    bool
}

// New opens a TCP listener on cfg.Addr. As with Dispatcher, the stdlib net
// package gives no way to request a specific listen backlog; the
// historical target of 32 is aspirational.
func New(cfg Config, worker *storageworker.Worker, logger *log.Logger, m *metrics.Metrics) (*Server, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("tileserver: listening on %s: %w", cfg.Addr, err)
	}
	return &Server{
		listener:    ln,
		worker:      worker,
		logger:      logger,
		metrics:     m,
		readTimeout: cfg.ReadTimeout,
		logInfo:     cfg.LogInfo,
		logError:    cfg.LogError,
	}, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Serve runs the accept loop, spawning one goroutine per connection, until
// the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) infof(format string, args ...interface{}) {
	if s.logInfo {
		s.logger.Printf(format, args...)
	}
}

func (s *Server) errorf(format string, args ...interface{}) {
	if s.logError {
		s.logger.Printf(format, args...)
	}
}

func isTransientSocketError(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

func (s *Server) logTransient(stage string, err error) {
	if isTransientSocketError(err) {
		s.infof("tileserver: %s: transient socket error: %v", stage, err)
		return
	}
	s.errorf("tileserver: %s: %v", stage, err)
}

func (s *Server) readFull(conn net.Conn, buf []byte) error {
	if s.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
	_, err := io.ReadFull(conn, buf)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var outcome string
	if s.metrics != nil {
		defer s.metrics.TimeTileServerHandler(func() string { return outcome })()
		defer func() {
			if outcome != "" {
				s.metrics.ObserveTileServerRequest(outcome)
			}
		}()
	}

	var req [12]byte
	if err := s.readFull(conn, req[:]); err != nil {
		s.logTransient("request", err)
		return
	}
	coord := coordid.Coord{
		Level: binary.LittleEndian.Uint32(req[0:4]),
		IReal: binary.LittleEndian.Uint32(req[4:8]),
		IImag: binary.LittleEndian.Uint32(req[8:12]),
	}

	if coord.IReal >= coord.Level || coord.IImag >= coord.Level {
		outcome = "rejected"
		s.write(conn, []byte{codeRejected})
		return
	}

	entries, err := s.worker.Lookup([]coordid.Coord{coord})
	if err != nil {
		outcome = "not_available"
		s.errorf("tileserver: lookup failed for %+v: %v", coord, err)
		s.write(conn, []byte{codeNotAvailable})
		return
	}
	entry := entries[0]
	if entry == nil {
		outcome = "not_available"
		s.write(conn, []byte{codeNotAvailable})
		return
	}

	encoded, err := s.worker.LoadEncodedPayload(*entry)
	if err != nil {
		outcome = "not_available"
		s.errorf("tileserver: load failed for %+v: %v", coord, err)
		s.write(conn, []byte{codeNotAvailable})
		return
	}

	outcome = "accepted"
	msg := make([]byte, 1+4+len(encoded))
	msg[0] = codeAccepted
	binary.LittleEndian.PutUint32(msg[1:5], uint32(len(encoded)))
	copy(msg[5:], encoded)
	s.write(conn, msg)
}

func (s *Server) write(conn net.Conn, msg []byte) {
	if _, err := conn.Write(msg); err != nil {
		s.logTransient("write", err)
	}
}
