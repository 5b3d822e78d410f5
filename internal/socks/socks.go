/*
Package socks implements a minimal SOCKS5 (RFC 1928) server that applies
the same policy engine as the HTTP front end.

Only the CONNECT command is supported, with no authentication. A policy
denial is reported to the client as reply code 0x02 (connection not
allowed by ruleset) before the connection closes.
*/
package socks

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grimwade/sandtrap/internal/audit"
	"github.com/grimwade/sandtrap/internal/policy"
)

const socksVersion = 0x05

// SOCKS5 command codes.
const (
	cmdConnect = 0x01
)

// SOCKS5 address types.
const (
	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

// SOCKS5 reply codes.
const (
	replySuccess             = 0x00
	replyGeneralFailure      = 0x01
	replyNotAllowedByRuleset = 0x02
	replyConnectionRefused   = 0x05
	replyCommandNotSupported = 0x07
	replyAddrTypeUnsupported = 0x08
)

// Server is a policy-enforcing SOCKS5 server.
type Server struct {
	engine         *policy.Engine
	audit          *audit.Log
	logger         *slog.Logger
	connectTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// Config holds SOCKS5 server configuration.
type Config struct {
	Engine         *policy.Engine
	Audit          *audit.Log
	Logger         *slog.Logger
	ConnectTimeout time.Duration
}

// New creates a SOCKS5 server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Server{
		engine:         cfg.Engine,
		audit:          cfg.Audit,
		logger:         logger,
		connectTimeout: timeout,
	}
}

// ListenAndServe listens on addr and serves connections until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("socks5 listen %s: %w", addr, err)
	}
	return s.Serve(l)
}

// Serve accepts connections on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = l.Close()
		return net.ErrClosed
	}
	s.listener = l
	s.mu.Unlock()

	s.logger.Info("socks5 proxy starting", "addr", l.Addr().String())

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("socks5 accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections. In-flight relays drain on their own.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Info("socks5 proxy shutting down")
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// handleConn runs the SOCKS5 handshake and request on one client connection.
func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	clientIP := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}

	if err := s.handshake(conn); err != nil {
		s.logger.Debug("socks5 handshake failed", "client", clientIP, "error", err)
		return
	}

	host, port, err := s.readRequest(conn)
	if err != nil {
		s.logger.Debug("socks5 request failed", "client", clientIP, "error", err)
		return
	}

	// SOCKS carries no HTTP method; the method gate does not apply.
	snap := s.engine.Current()
	decision := snap.Decide(context.Background(), s.engine.Guard(), policy.Descriptor{
		Host: host,
		Port: port,
	})
	if !decision.Allowed {
		s.audit.Record(audit.Event{
			Host:     host,
			Reason:   decision.Reason,
			Client:   clientIP,
			Mode:     string(snap.Mode),
			Protocol: audit.ProtocolSocks5,
		})
		s.logger.Info("socks5 denied",
			"host", host,
			"port", port,
			"client", clientIP,
			"reason", decision.Reason,
		)
		_ = writeReply(conn, replyNotAllowedByRuleset)
		return
	}

	target := net.JoinHostPort(host, strconv.Itoa(port))
	destConn, err := net.DialTimeout("tcp", target, s.connectTimeout)
	if err != nil {
		s.logger.Warn("socks5 dial failed",
			"host", host,
			"port", port,
			"client", clientIP,
			"error", err,
		)
		_ = writeReply(conn, replyConnectionRefused)
		return
	}
	defer func() { _ = destConn.Close() }()

	if err := writeReply(conn, replySuccess); err != nil {
		return
	}

	s.logger.Info("socks5 connect",
		"host", host,
		"port", port,
		"client", clientIP,
	)

	s.relay(conn, destConn)
}

// handshake performs version/method negotiation. Only the no-auth method
// is offered back.
func (s *Server) handshake(conn net.Conn) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if header[0] != socksVersion {
		return fmt.Errorf("unsupported version 0x%02x", header[0])
	}

	nMethods := int(header[1])
	methods := make([]byte, nMethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}

	// 0x00 = no authentication required.
	if _, err := conn.Write([]byte{socksVersion, 0x00}); err != nil {
		return fmt.Errorf("write method selection: %w", err)
	}
	return nil
}

// readRequest parses the CONNECT request and returns the target host and
// port. Unsupported commands and address types are answered before the
// error returns.
func (s *Server) readRequest(conn net.Conn) (string, int, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", 0, fmt.Errorf("read request header: %w", err)
	}
	if header[0] != socksVersion {
		return "", 0, fmt.Errorf("unsupported version 0x%02x", header[0])
	}
	if header[1] != cmdConnect {
		_ = writeReply(conn, replyCommandNotSupported)
		return "", 0, fmt.Errorf("unsupported command 0x%02x", header[1])
	}

	var host string
	switch header[3] {
	case atypIPv4:
		addr := make([]byte, net.IPv4len)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", 0, fmt.Errorf("read IPv4 address: %w", err)
		}
		host = net.IP(addr).String()
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return "", 0, fmt.Errorf("read domain length: %w", err)
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", 0, fmt.Errorf("read domain: %w", err)
		}
		host = string(domain)
	case atypIPv6:
		addr := make([]byte, net.IPv6len)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", 0, fmt.Errorf("read IPv6 address: %w", err)
		}
		host = net.IP(addr).String()
	default:
		_ = writeReply(conn, replyAddrTypeUnsupported)
		return "", 0, fmt.Errorf("unsupported address type 0x%02x", header[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return "", 0, fmt.Errorf("read port: %w", err)
	}
	port := int(binary.BigEndian.Uint16(portBuf))

	return host, port, nil
}

// writeReply sends a SOCKS5 reply with a zero bind address.
func writeReply(conn net.Conn, code byte) error {
	// VER REP RSV ATYP BND.ADDR(4) BND.PORT(2)
	reply := []byte{socksVersion, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(reply)
	return err
}

// relay copies bytes in both directions until either side closes, then
// tears the other side down promptly.
func (s *Server) relay(client, dest net.Conn) {
	done := make(chan struct{}, 2)

	copyHalf := func(dst, src net.Conn) {
		_, err := io.Copy(dst, src)
		if err != nil && !isClosedConnErr(err) {
			s.logger.Debug("socks5 relay copy ended", "error", err)
		}
		// Closing both sides unblocks the opposite copy.
		_ = dst.Close()
		_ = src.Close()
		done <- struct{}{}
	}

	go copyHalf(dest, client)
	go copyHalf(client, dest)

	<-done
	<-done
}

func isClosedConnErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}
