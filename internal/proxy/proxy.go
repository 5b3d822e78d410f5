/*
Package proxy implements the HTTP front end of the enforcement proxy.

Plain HTTP requests are policy-checked and forwarded; HTTPS requests
arrive as CONNECT and are either tunneled opaquely or handed to the TLS
interceptor. Every denial carries the machine-readable reason in the
x-proxy-error header alongside a JSON body.
*/
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grimwade/sandtrap/internal/audit"
	"github.com/grimwade/sandtrap/internal/policy"
)

// ErrorHeader carries the denial reason on 403 responses.
const ErrorHeader = "x-proxy-error"

// UnixSocketHeader requests delegation of the HTTP request to a local
// unix socket instead of a TCP origin.
const UnixSocketHeader = "x-unix-socket"

// Interceptor handles decrypted CONNECT traffic. Satisfied by *mitm.Interceptor.
type Interceptor interface {
	Handle(clientConn net.Conn, host string, port int, clientIP string)
}

// Server is the policy-enforcing HTTP/HTTPS forward proxy.
type Server struct {
	httpServer     *http.Server
	engine         *policy.Engine
	interceptor    Interceptor
	audit          *audit.Log
	logger         *slog.Logger
	verbose        bool
	startTime      time.Time
	connectTimeout time.Duration

	connectionsTotal  atomic.Int64
	connectionsActive atomic.Int64

	shutdownOnce sync.Once
}

// Config holds proxy server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "127.0.0.1:3128").
	ListenAddr string
	// Engine evaluates every request. Required.
	Engine *policy.Engine
	// Interceptor handles CONNECT tunnels when TLS interception is
	// enabled. If nil, allowed CONNECTs are tunneled opaquely.
	Interceptor Interceptor
	// Audit receives a record for every denial. Required.
	Audit *audit.Log
	// Logger is the structured logger to use. If nil, a default is created.
	Logger *slog.Logger
	// Verbose enables detailed request/response logging.
	Verbose bool
	// ConnectTimeout is the timeout for upstream TCP connections. Zero uses the default (10s).
	ConnectTimeout time.Duration
	// ReadHeaderTimeout is the timeout for reading client request headers. Zero uses the default (10s).
	ReadHeaderTimeout time.Duration
}

// New creates a new proxy server with the given configuration.
func New(cfg *Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}

	s := &Server{
		engine:         cfg.Engine,
		interceptor:    cfg.Interceptor,
		audit:          cfg.Audit,
		logger:         cfg.Logger,
		verbose:        cfg.Verbose,
		startTime:      time.Now(),
		connectTimeout: connectTimeout,
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// ServeHTTP dispatches incoming requests to the CONNECT tunnel handler
// or the HTTP forward handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.connectionsTotal.Add(1)
	s.connectionsActive.Add(1)
	defer s.connectionsActive.Add(-1)

	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}

	s.handleHTTP(w, r)
}

// handleHTTP policy-checks a plain HTTP request and forwards it to the
// destination, relaying the response back to the client.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Host == "" {
		http.Error(w, "missing host in request", http.StatusBadRequest)
		s.logger.Warn("bad request: missing host",
			"method", r.Method,
			"url", r.URL.String(),
			"remote", r.RemoteAddr,
		)
		return
	}

	host, port := splitHostPort(r.URL.Host, 80)
	clientIP := stripPort(r.RemoteAddr)

	if socketPath := r.Header.Get(UnixSocketHeader); socketPath != "" {
		s.handleUnixSocket(w, r, socketPath, clientIP)
		return
	}

	snap := s.engine.Current()
	decision := snap.Decide(r.Context(), s.engine.Guard(), policy.Descriptor{
		Host:   host,
		Port:   port,
		Method: r.Method,
		IsTLS:  false,
	})
	if !decision.Allowed {
		s.deny(w, r, snap, host, clientIP, r.Method, decision.Reason, audit.ProtocolHTTP)
		return
	}

	start := time.Now()

	if s.verbose {
		s.logger.Debug("http request",
			"method", r.Method,
			"url", r.URL.String(),
			"remote", r.RemoteAddr,
			"user_agent", r.Header.Get("User-Agent"),
			"content_length", r.ContentLength,
		)
	}

	// Create the outbound request. We must not reuse the incoming request
	// directly because the proxy hop headers need to be stripped.
	outReq := r.Clone(r.Context())
	outReq.RequestURI = "" // Required for client requests.
	removeHopByHopHeaders(outReq.Header)

	resp, err := http.DefaultTransport.RoundTrip(outReq)
	if err != nil {
		http.Error(w, fmt.Sprintf("proxy error: %v", err), http.StatusBadGateway)
		s.logger.Error("upstream request failed",
			"method", r.Method,
			"url", r.URL.String(),
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}
	defer resp.Body.Close() //nolint:errcheck // response body close in defer

	removeHopByHopHeaders(resp.Header)

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	written, _ := io.Copy(w, resp.Body) //nolint:errcheck // best-effort streaming

	s.logger.Info("http",
		"method", r.Method,
		"url", r.URL.String(),
		"status", resp.StatusCode,
		"response_bytes", written,
		"duration_ms", time.Since(start).Milliseconds(),
		"remote", r.RemoteAddr,
	)
}

// handleConnect policy-checks a CONNECT request and either hands the
// tunnel to the TLS interceptor or relays it opaquely.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, port := splitHostPort(r.Host, 443)
	clientIP := stripPort(r.RemoteAddr)

	// Method is empty: CONNECT carries no inner HTTP method the proxy
	// can see. The interceptor re-checks once it can.
	snap := s.engine.Current()
	decision := snap.Decide(r.Context(), s.engine.Guard(), policy.Descriptor{
		Host:  host,
		Port:  port,
		IsTLS: true,
	})
	if !decision.Allowed {
		s.deny(w, r, snap, host, clientIP, http.MethodConnect, decision.Reason, audit.ProtocolConnect)
		return
	}

	start := time.Now()

	if s.interceptor != nil {
		clientConn, ok := s.hijack(w)
		if !ok {
			return
		}
		// Send 200 Connection Established before starting TLS.
		_, _ = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

		s.logger.Info("connect intercepted",
			"host", r.Host,
			"remote", r.RemoteAddr,
		)

		// Handle takes ownership of clientConn (closes it when done).
		go s.interceptor.Handle(clientConn, host, port, clientIP)
		return
	}

	destConn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), s.connectTimeout)
	if err != nil {
		http.Error(w, fmt.Sprintf("tunnel error: %v", err), http.StatusBadGateway)
		s.logger.Error("connect tunnel failed",
			"host", r.Host,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}

	clientConn, ok := s.hijack(w)
	if !ok {
		_ = destConn.Close()
		return
	}

	_, _ = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	s.logger.Info("connect",
		"host", r.Host,
		"remote", r.RemoteAddr,
	)

	// Bidirectional copy until either side closes.
	var uploadBytes, downloadBytes atomic.Int64
	go func() {
		defer func() { _ = destConn.Close() }()
		defer func() { _ = clientConn.Close() }()
		n, _ := io.Copy(destConn, clientConn) //nolint:errcheck // tunnel streaming
		uploadBytes.Store(n)
	}()
	go func() {
		defer func() { _ = destConn.Close() }()
		defer func() { _ = clientConn.Close() }()
		n, _ := io.Copy(clientConn, destConn) //nolint:errcheck // tunnel streaming
		downloadBytes.Store(n)

		s.logger.Debug("connect closed",
			"host", r.Host,
			"duration_ms", time.Since(start).Milliseconds(),
			"upload_bytes", uploadBytes.Load(),
			"download_bytes", downloadBytes.Load(),
		)
	}()
}

// hijack takes over the underlying client connection.
func (s *Server) hijack(w http.ResponseWriter) (net.Conn, bool) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return nil, false
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, fmt.Sprintf("hijack error: %v", err), http.StatusInternalServerError)
		return nil, false
	}
	return clientConn, true
}

// deny writes the 403 denial contract and records an audit event.
func (s *Server) deny(w http.ResponseWriter, r *http.Request, snap *policy.Snapshot, host, clientIP, method, reason, protocol string) {
	s.audit.Record(audit.Event{
		Host:     host,
		Reason:   reason,
		Client:   clientIP,
		Method:   method,
		Mode:     string(snap.Mode),
		Protocol: protocol,
	})

	s.logger.Info("request denied",
		"method", method,
		"host", r.Host,
		"url", r.URL.String(),
		"remote", r.RemoteAddr,
		"reason", reason,
	)

	writeDenied(w, host, reason)
}

// writeDenied emits the denial wire contract: 403, the reason in the
// x-proxy-error header, and a JSON body naming host and reason.
func writeDenied(w http.ResponseWriter, host, reason string) {
	w.Header().Set(ErrorHeader, reason)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"host":   host,
		"reason": reason,
	})
}

// ListenAndServe starts the proxy server.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http proxy starting",
		"addr", s.httpServer.Addr,
	)
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on an existing listener. Used by tests.
func (s *Server) Serve(l net.Listener) error {
	return s.httpServer.Serve(l)
}

// Shutdown gracefully shuts down the proxy server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("http proxy shutting down")
		err = s.httpServer.Shutdown(ctx)
	})
	return err
}

// ConnectionsTotal returns the total number of connections handled.
func (s *Server) ConnectionsTotal() int64 {
	return s.connectionsTotal.Load()
}

// ConnectionsActive returns the number of currently active connections.
func (s *Server) ConnectionsActive() int64 {
	return s.connectionsActive.Load()
}

// Uptime returns the duration since the server was created.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// hopByHopHeaders are headers that apply to a single transport-level
// connection and must not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopByHopHeaders strips hop-by-hop headers from an HTTP header set.
func removeHopByHopHeaders(h http.Header) {
	for _, hdr := range hopByHopHeaders {
		h.Del(hdr)
	}
}

// splitHostPort splits host:port, falling back to def when no port is
// present or it fails to parse.
func splitHostPort(hostport string, def int) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return strings.Trim(hostport, "[]"), def
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, def
	}
	return host, port
}

// stripPort removes the port from a host:port string.
// If there is no port, the host is returned as-is.
func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
