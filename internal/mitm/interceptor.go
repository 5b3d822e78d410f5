package mitm

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/grimwade/sandtrap/internal/audit"
	"github.com/grimwade/sandtrap/internal/policy"
)

// ErrorHeader carries the denial reason on synthesized error responses.
const ErrorHeader = "x-proxy-error"

// Interceptor terminates client TLS inside CONNECT tunnels and applies
// policy to each decrypted request before forwarding it upstream.
type Interceptor struct {
	certCache      *CertCache
	ca             *CA
	engine         *policy.Engine
	audit          *audit.Log
	logger         *slog.Logger
	connectTimeout time.Duration
	inspect        bool
	maxBodyBytes   int64

	// InterceptsTotal tracks the total number of decrypted HTTP requests.
	InterceptsTotal atomic.Int64
}

// Config holds configuration for creating an Interceptor.
type Config struct {
	CA             *CA
	Engine         *policy.Engine
	Audit          *audit.Log
	Logger         *slog.Logger
	ConnectTimeout time.Duration
	Inspect        bool
	MaxBodyBytes   int64
}

// New creates a TLS interceptor backed by the given CA.
func New(cfg Config) *Interceptor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 4096
	}

	return &Interceptor{
		certCache:      NewCertCache(cfg.CA),
		ca:             cfg.CA,
		engine:         cfg.Engine,
		audit:          cfg.Audit,
		logger:         logger,
		connectTimeout: timeout,
		inspect:        cfg.Inspect,
		maxBodyBytes:   maxBody,
	}
}

// CACertPEM returns the PEM bytes of the interception CA certificate.
func (i *Interceptor) CACertPEM() []byte {
	return i.ca.CertPEM
}

// Fingerprint returns the SHA-256 fingerprint of the interception CA.
func (i *Interceptor) Fingerprint() string {
	return i.ca.Fingerprint
}

// Handle runs an interception session on an already-hijacked client
// connection. It terminates TLS with the client using a generated leaf
// certificate, connects to the real origin, and proxies HTTP
// request-response cycles between them, re-evaluating policy for every
// request.
//
// This method takes ownership of clientConn and closes it when done.
func (i *Interceptor) Handle(clientConn net.Conn, host string, port int, clientIP string) {
	defer func() { _ = clientConn.Close() }()

	session := uuid.NewString()
	start := time.Now()
	i.logger.Info("mitm session start",
		"session", session,
		"host", host,
		"client", clientIP,
	)

	leafCert, certErr := i.certCache.GetCert(host)
	if certErr != nil {
		// Only this connection fails; the listener keeps serving.
		i.logger.Error("mitm leaf cert generation failed",
			"session", session,
			"host", host,
			"client", clientIP,
			"error", certErr,
		)
		return
	}

	// TLS handshake with the client (proxy acts as the origin).
	clientTLSConfig := &tls.Config{
		Certificates: []tls.Certificate{*leafCert},
		MinVersion:   tls.VersionTLS12,
	}
	clientTLS := tls.Server(clientConn, clientTLSConfig)
	clientHSCtx, clientHSCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer clientHSCancel()
	if hsErr := clientTLS.HandshakeContext(clientHSCtx); hsErr != nil {
		i.logger.Warn("mitm client TLS handshake failed",
			"session", session,
			"host", host,
			"client", clientIP,
			"error", hsErr,
		)
		return
	}
	defer func() { _ = clientTLS.Close() }()

	// Connect to the real origin.
	target := net.JoinHostPort(host, strconv.Itoa(port))
	upstreamConn, dialErr := net.DialTimeout("tcp", target, i.connectTimeout)
	if dialErr != nil {
		i.logger.Error("mitm upstream dial failed",
			"session", session,
			"host", host,
			"client", clientIP,
			"upstream", target,
			"error", dialErr,
		)
		return
	}
	defer func() { _ = upstreamConn.Close() }()

	// TLS handshake with the origin (proxy acts as a client).
	upstreamTLSConfig := &tls.Config{
		ServerName: host,
		NextProtos: []string{"http/1.1"},
		MinVersion: tls.VersionTLS12,
	}
	upstreamTLS := tls.Client(upstreamConn, upstreamTLSConfig)
	upHSCtx, upHSCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer upHSCancel()
	if err := upstreamTLS.HandshakeContext(upHSCtx); err != nil {
		i.logger.Error("mitm upstream TLS handshake failed",
			"session", session,
			"host", host,
			"client", clientIP,
			"error", err,
		)
		return
	}
	defer func() { _ = upstreamTLS.Close() }()

	requests := i.proxyLoop(clientTLS, upstreamTLS, host, port, clientIP, session)

	i.logger.Info("mitm session end",
		"session", session,
		"host", host,
		"client", clientIP,
		"requests", requests,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// proxyLoop reads HTTP requests from the client, re-checks policy for
// each with the real method visible, and forwards allowed requests to
// the origin. Returns the number of request-response cycles completed.
func (i *Interceptor) proxyLoop(clientTLS, upstreamTLS *tls.Conn, host string, port int, clientIP, session string) int {
	clientReader := bufio.NewReader(clientTLS)
	upstreamReader := bufio.NewReader(upstreamTLS)
	requests := 0

	for {
		req, err := http.ReadRequest(clientReader)
		if err != nil {
			if err != io.EOF && !isClosedConnErr(err) {
				i.logger.Debug("mitm client request read failed",
					"session", session,
					"host", host,
					"client", clientIP,
					"error", err,
					"requests_completed", requests,
				)
			}
			break
		}

		reqStart := time.Now()

		// A CONNECT inside an established tunnel makes no sense.
		if req.Method == http.MethodConnect {
			_ = writeSynthesized(clientTLS, http.StatusMethodNotAllowed, "", map[string]string{
				"error": "CONNECT not allowed inside an intercepted tunnel",
			})
			break
		}

		// The tunnel was authorized for one host; requests must not
		// smuggle a different one.
		if req.Host != "" && !sameHost(req.Host, host, port) {
			i.logger.Warn("mitm host mismatch",
				"session", session,
				"host", host,
				"request_host", req.Host,
				"client", clientIP,
			)
			_ = writeSynthesized(clientTLS, http.StatusBadRequest, "", map[string]string{
				"error": "request host does not match tunnel target",
			})
			break
		}

		// Re-evaluate with the decrypted method visible. The plain
		// CONNECT check could not see it.
		snap := i.engine.Current()
		decision := snap.Decide(req.Context(), i.engine.Guard(), policy.Descriptor{
			Host:   host,
			Port:   port,
			Method: req.Method,
			IsTLS:  true,
		})
		if !decision.Allowed {
			i.audit.Record(audit.Event{
				Host:     host,
				Reason:   decision.Reason,
				Client:   clientIP,
				Method:   req.Method,
				Mode:     string(snap.Mode),
				Protocol: audit.ProtocolMITM,
			})
			i.logger.Info("mitm request denied",
				"session", session,
				"host", host,
				"client", clientIP,
				"method", req.Method,
				"url", req.URL.String(),
				"reason", decision.Reason,
			)
			_ = writeSynthesized(clientTLS, http.StatusForbidden, decision.Reason, map[string]string{
				"host":   host,
				"reason": decision.Reason,
			})
			break
		}

		removeHopByHopHeaders(req.Header)
		if req.Host == "" {
			req.Host = host
		}

		var reqBodySize int64
		if i.inspect && req.Body != nil {
			req.Body = &countingBody{rc: req.Body, n: &reqBodySize}
		}

		if writeErr := req.Write(upstreamTLS); writeErr != nil {
			i.logger.Error("mitm upstream request write failed",
				"session", session,
				"host", host,
				"client", clientIP,
				"method", req.Method,
				"url", req.URL.String(),
				"error", writeErr,
			)
			break
		}

		resp, err := http.ReadResponse(upstreamReader, req)
		if err != nil {
			i.logger.Error("mitm upstream response read failed",
				"session", session,
				"host", host,
				"client", clientIP,
				"method", req.Method,
				"url", req.URL.String(),
				"error", err,
			)
			break
		}

		removeHopByHopHeaders(resp.Header)

		var respBodySize int64
		if i.inspect {
			resp.Body = &countingBody{rc: resp.Body, n: &respBodySize}
		}

		if writeErr := resp.Write(clientTLS); writeErr != nil {
			_ = resp.Body.Close()
			if !isClosedConnErr(writeErr) {
				i.logger.Warn("mitm client response write failed",
					"session", session,
					"host", host,
					"client", clientIP,
					"method", req.Method,
					"url", req.URL.String(),
					"error", writeErr,
				)
			}
			break
		}
		_ = resp.Body.Close()

		requests++
		i.InterceptsTotal.Add(1)

		if i.inspect {
			i.logger.Info("mitm request inspected",
				"session", session,
				"host", host,
				"method", req.Method,
				"url", req.URL.String(),
				"status", resp.StatusCode,
				"content_type", resp.Header.Get("Content-Type"),
				"request_body_bytes", capBytes(reqBodySize, i.maxBodyBytes),
				"response_body_bytes", capBytes(respBodySize, i.maxBodyBytes),
				"duration_ms", time.Since(reqStart).Milliseconds(),
			)
		}

		if resp.Close || req.Close {
			break
		}
	}

	return requests
}

// sameHost reports whether a Host header names the tunnel target,
// tolerating an explicit port.
func sameHost(reqHost, tunnelHost string, tunnelPort int) bool {
	h, p, err := net.SplitHostPort(reqHost)
	if err != nil {
		return strings.EqualFold(reqHost, tunnelHost)
	}
	if !strings.EqualFold(h, tunnelHost) {
		return false
	}
	return p == strconv.Itoa(tunnelPort)
}

// writeSynthesized writes a proxy-generated JSON response into the tunnel
// and asks the client to close.
func writeSynthesized(w io.Writer, status int, reason string, body map[string]string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(bytes.NewReader(payload)),
		ContentLength: int64(len(payload)),
	}
	resp.Header.Set("Content-Type", "application/json")
	resp.Header.Set("Connection", "close")
	if reason != "" {
		resp.Header.Set(ErrorHeader, reason)
	}
	return resp.Write(w)
}

// countingBody counts bytes as they stream through without buffering.
type countingBody struct {
	rc io.ReadCloser
	n  *int64
}

func (c *countingBody) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	*c.n += int64(n)
	return n, err
}

func (c *countingBody) Close() error { return c.rc.Close() }

// capBytes clamps an observed body size to the configured inspection limit.
func capBytes(n, limit int64) int64 {
	if n > limit {
		return limit
	}
	return n
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

// isClosedConnErr returns true if the error indicates a closed connection,
// which is expected when the client simply goes away.
func isClosedConnErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "use of closed network connection") ||
		strings.Contains(s, "connection reset by peer") ||
		strings.Contains(s, "broken pipe")
}
