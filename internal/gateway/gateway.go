// Package gateway bridges HTTP requests to the TileServer TCP protocol, as
// a Caddy http.handlers module, for clients that can't speak raw TCP.
package gateway

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"
)

func init() {
	caddy.RegisterModule(Middleware{})
	httpcaddyfile.RegisterHandlerDirective("mandelserve_gateway", parseCaddyfile)
}

var tilePath = regexp.MustCompile(`^/tile/(\d+)/(\d+)/(\d+)$`)

const (
	codeAccepted     = 0x00
	codeRejected     = 0x01
	codeNotAvailable = 0x02
)

// Middleware dials a configured TileServer address per request and
// translates GET /tile/{level}/{iReal}/{iImag} into the §4.6 wire
// protocol.
type Middleware struct {
	TileServerAddr string        `json:"tile_server_addr"`
	DialTimeout    time.Duration `json:"dial_timeout"`
	logger         *zap.Logger
}

// New builds a Middleware for use outside a Caddy module pipeline (e.g.
// mounted directly on a plain http.ServeMux), with logger standing in for
// Caddy's provisioned *zap.Logger.
func New(tileServerAddr string, dialTimeout time.Duration, logger *zap.Logger) *Middleware {
	return &Middleware{TileServerAddr: tileServerAddr, DialTimeout: dialTimeout, logger: logger}
}

// CaddyModule returns the Caddy module information.
func (Middleware) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.mandelserve_gateway",
		New: func() caddy.Module { return new(Middleware) },
	}
}

// Provision wires up the module's logger.
func (m *Middleware) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()
	return nil
}

// Validate checks the module's configuration.
func (m *Middleware) Validate() error {
	if m.TileServerAddr == "" {
		return fmt.Errorf("mandelserve_gateway: no tile_server_addr configured")
	}
	if m.DialTimeout <= 0 {
		m.DialTimeout = 5 * time.Second
	}
	return nil
}

// ServeHTTP answers GET /tile/{level}/{iReal}/{iImag} by querying the
// configured TileServer, and passes anything else to the next handler.
func (m Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	match := tilePath.FindStringSubmatch(r.URL.Path)
	if match == nil {
		return next.ServeHTTP(w, r)
	}

	start := time.Now()
	level, _ := strconv.ParseUint(match[1], 10, 32)
	iReal, _ := strconv.ParseUint(match[2], 10, 32)
	iImag, _ := strconv.ParseUint(match[3], 10, 32)

	status, body, err := m.queryTile(uint32(level), uint32(iReal), uint32(iImag))
	if err != nil {
		m.logger.Error("tile query failed", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "upstream error", http.StatusBadGateway)
		return nil
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	m.logger.Info("response", zap.Int("status", status), zap.String("path", r.URL.Path), zap.Duration("duration", time.Since(start)))
	return nil
}

func (m Middleware) queryTile(level, iReal, iImag uint32) (int, []byte, error) {
	conn, err := net.DialTimeout("tcp", m.TileServerAddr, m.DialTimeout)
	if err != nil {
		return 0, nil, fmt.Errorf("dialing tile server: %w", err)
	}
	defer conn.Close()

	req := make([]byte, 12)
	binary.LittleEndian.PutUint32(req[0:4], level)
	binary.LittleEndian.PutUint32(req[4:8], iReal)
	binary.LittleEndian.PutUint32(req[8:12], iImag)
	if _, err := conn.Write(req); err != nil {
		return 0, nil, fmt.Errorf("writing request: %w", err)
	}

	var code [1]byte
	if _, err := io.ReadFull(conn, code[:]); err != nil {
		return 0, nil, fmt.Errorf("reading response code: %w", err)
	}

	switch code[0] {
	case codeAccepted:
		var lenBuf [4]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return 0, nil, fmt.Errorf("reading body length: %w", err)
		}
		body := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(conn, body); err != nil {
			return 0, nil, fmt.Errorf("reading body: %w", err)
		}
		return http.StatusOK, body, nil
	case codeRejected:
		return http.StatusBadRequest, nil, nil
	case codeNotAvailable:
		return http.StatusNotFound, nil, nil
	default:
		return 0, nil, fmt.Errorf("unknown response code 0x%02x", code[0])
	}
}

// UnmarshalCaddyfile parses this module's Caddyfile block.
func (m *Middleware) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for nesting := d.Nesting(); d.NextBlock(nesting); {
			switch d.Val() {
			case "tile_server_addr":
				if !d.Args(&m.TileServerAddr) {
					return d.ArgErr()
				}
			case "dial_timeout":
				var raw string
				if !d.Args(&raw) {
					return d.ArgErr()
				}
				dur, err := time.ParseDuration(raw)
				if err != nil {
					return d.ArgErr()
				}
				m.DialTimeout = dur
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var m Middleware
	err := m.UnmarshalCaddyfile(h.Dispenser)
	return m, err
}

var (
	_ caddy.Provisioner           = (*Middleware)(nil)
	_ caddy.Validator             = (*Middleware)(nil)
	_ caddyhttp.MiddlewareHandler = (*Middleware)(nil)
	_ caddyfile.Unmarshaler       = (*Middleware)(nil)
)
