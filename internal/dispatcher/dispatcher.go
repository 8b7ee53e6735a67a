// Package dispatcher implements the worker-facing TCP protocol: workers
// request leases and return completed tiles.
package dispatcher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/ofsouzap/mandelserve/internal/coordid"
	"github.com/ofsouzap/mandelserve/internal/leaseboard"
	"github.com/ofsouzap/mandelserve/internal/metrics"
	"github.com/ofsouzap/mandelserve/internal/storageworker"
	"github.com/ofsouzap/mandelserve/internal/tilecodec"
	"github.com/ofsouzap/mandelserve/internal/tilestore"
)

const (
	purposeRequest  = 0x00
	purposeResponse = 0x01

	codeAvailable    = 0x10
	codeNotAvailable = 0x11
	codeAccept       = 0x20
	codeReject       = 0x21
)

// DefaultReadTimeout is the per-read socket timeout used when timeouts are
// enabled.
const DefaultReadTimeout = 100 * time.Millisecond

// Server is the Dispatcher TCP listener.
type Server struct {
	listener net.Listener
	board    *leaseboard.Leaseboard
	worker   *storageworker.Worker
	logger   *log.Logger
	metrics  *metrics.Metrics

	readTimeout time.Duration // zero disables per-read timeouts
	logInfo     bool
	logError    bool
}

// Config configures a Server. ReadTimeout == 0 disables per-read
// timeouts, matching the coordinator's -t/--timeout=false CLI flag.
type Config struct {
	Addr        string
	ReadTimeout time.Duration
	LogInfo     bool
	LogError    bool
}

// New opens a TCP listener on cfg.Addr. The OS's default listen backlog
// applies: the stdlib net package does not expose a way to request a
// specific backlog size (unlike, say, a raw socket API), so the historical
// target of 16 is aspirational rather than independently enforceable here.
func New(cfg Config, board *leaseboard.Leaseboard, worker *storageworker.Worker, logger *log.Logger, m *metrics.Metrics) (*Server, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: listening on %s: %w", cfg.Addr, err)
	}
	return &Server{
		listener:    ln,
		board:       board,
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

func (s *Server) setReadDeadline(conn net.Conn) {
	if s.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
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

func (s *Server) readFull(conn net.Conn, buf []byte) error {
	s.setReadDeadline(conn)
	_, err := io.ReadFull(conn, buf)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var purpose [1]byte
	if err := s.readFull(conn, purpose[:]); err != nil {
		s.logTransient("purpose", err)
		return
	}

	switch purpose[0] {
	case purposeRequest:
		s.handleRequest(conn)
	case purposeResponse:
		s.handleResponse(conn)
	default:
		s.errorf("dispatcher: unknown purpose byte 0x%02x, closing connection", purpose[0])
	}
}

func (s *Server) logTransient(stage string, err error) {
	if isTransientSocketError(err) {
		s.infof("dispatcher: %s: transient socket error: %v", stage, err)
		return
	}
	s.errorf("dispatcher: %s: %v", stage, err)
}

func (s *Server) timeHandler(purpose string) func() {
	if s.metrics == nil {
		return func() {}
	}
	return s.metrics.TimeDispatcherHandler(purpose)
}

func (s *Server) handleRequest(conn net.Conn) {
	defer s.timeHandler("request")()

	coord, ok := s.board.NextNeeded(time.Now())
	if !ok {
		s.writeAndCount([]byte{codeNotAvailable}, conn, "request", "not_available")
		return
	}

	lease := s.board.Grant(coord, time.Now())
	msg := make([]byte, 1+4*4)
	msg[0] = codeAvailable
	binary.LittleEndian.PutUint32(msg[1:5], coord.Level)
	binary.LittleEndian.PutUint32(msg[5:9], lease.MaxDepth)
	binary.LittleEndian.PutUint32(msg[9:13], coord.IReal)
	binary.LittleEndian.PutUint32(msg[13:17], coord.IImag)
	s.writeAndCount(msg, conn, "request", "available")
}

func (s *Server) handleResponse(conn net.Conn) {
	defer s.timeHandler("response")()

	var header [16]byte
	if err := s.readFull(conn, header[:]); err != nil {
		s.logTransient("response header", err)
		return
	}
	resp := leaseboard.Response{
		Coord: coordid.Coord{
			Level: binary.LittleEndian.Uint32(header[0:4]),
			IReal: binary.LittleEndian.Uint32(header[8:12]),
			IImag: binary.LittleEndian.Uint32(header[12:16]),
		},
		MaxDepth: binary.LittleEndian.Uint32(header[4:8]),
	}

	if !s.board.Accept(resp, time.Now()) {
		s.writeAndCount([]byte{codeReject}, conn, "response", "reject")
		return
	}

	if _, err := conn.Write([]byte{codeAccept}); err != nil {
		s.logTransient("accept code", err)
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveDispatcherRequest("response", "accept")
	}

	payload := make([]byte, tilecodec.TileBytes)
	if err := s.readFull(conn, payload); err != nil {
		s.logTransient("payload", err)
		return
	}

	s.worker.SaveAsync(resp.Coord, payload, func(_ tilestore.IndexEntry, err error) {
		if err != nil {
			s.errorf("dispatcher: save failed for %+v: %v", resp.Coord, err)
		}
	})
}

func (s *Server) writeAndCount(msg []byte, conn net.Conn, purpose, outcome string) {
	if _, err := conn.Write(msg); err != nil {
		s.logTransient(purpose, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveDispatcherRequest(purpose, outcome)
	}
}
