package mitm

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grimwade/sandtrap/internal/audit"
	"github.com/grimwade/sandtrap/internal/policy"
)

// --- CA tests ---

func TestGenerateCA(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca.key")

	err := GenerateCA(certPath, keyPath, false)
	require.NoError(t, err)

	certInfo, err := os.Stat(certPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), certInfo.Mode().Perm())

	keyInfo, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), keyInfo.Mode().Perm())

	// No temp files left behind by the atomic writes.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestGenerateCA_CreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "mitm", "ca.pem")
	keyPath := filepath.Join(dir, "mitm", "ca.key")

	require.NoError(t, GenerateCA(certPath, keyPath, false))
	_, err := os.Stat(certPath)
	require.NoError(t, err)
}

func TestGenerateCA_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca.key")

	require.NoError(t, GenerateCA(certPath, keyPath, false))

	err := GenerateCA(certPath, keyPath, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, GenerateCA(certPath, keyPath, true))
}

func TestLoadCA(t *testing.T) {
	ca := generateTestCA(t)

	assert.True(t, ca.Cert.IsCA)
	assert.Equal(t, "Sandtrap Proxy CA", ca.Cert.Subject.CommonName)
	assert.NotEmpty(t, ca.Fingerprint)
	assert.NotEmpty(t, ca.CertPEM)
	assert.IsType(t, &ecdsa.PrivateKey{}, ca.Key)
	assert.Equal(t, elliptic.P256(), ca.Key.Curve)

	// 10-year validity, within tolerance.
	validYears := time.Until(ca.NotAfter).Hours() / 24 / 365
	assert.InDelta(t, 10.0, validYears, 0.1)
}

func TestLoadCA_MissingFile(t *testing.T) {
	_, err := LoadCA("/nonexistent/ca.pem", "/nonexistent/ca.key")
	require.Error(t, err)
}

func TestLoadOrGenerateCA(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca.key")

	ca, err := LoadOrGenerateCA(certPath, keyPath)
	require.NoError(t, err)

	// Second call loads the same CA rather than generating a new one.
	again, err := LoadOrGenerateCA(certPath, keyPath)
	require.NoError(t, err)
	assert.Equal(t, ca.Fingerprint, again.Fingerprint)
}

func TestSHA256Fingerprint(t *testing.T) {
	ca := generateTestCA(t)
	// 32 bytes = 64 hex chars + 31 colons.
	assert.Len(t, ca.Fingerprint, 95)
	for _, c := range ca.Fingerprint {
		assert.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || c == ':',
			"unexpected char in fingerprint: %c", c)
	}
}

// --- Cert cache tests ---

func TestCertCache_GetCert(t *testing.T) {
	ca := generateTestCA(t)
	cache := NewCertCache(ca)

	cert, err := cache.GetCert("api.example.com")
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)

	assert.Equal(t, "api.example.com", cert.Leaf.Subject.CommonName)
	assert.Contains(t, cert.Leaf.DNSNames, "api.example.com")
	assert.False(t, cert.Leaf.IsCA)

	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)
	_, err = cert.Leaf.Verify(x509.VerifyOptions{Roots: pool})
	require.NoError(t, err)
}

func TestCertCache_Caching(t *testing.T) {
	ca := generateTestCA(t)
	cache := NewCertCache(ca)

	cert1, err := cache.GetCert("api.example.com")
	require.NoError(t, err)
	cert2, err := cache.GetCert("api.example.com")
	require.NoError(t, err)

	assert.Same(t, cert1, cert2)

	cert3, err := cache.GetCert("other.example.com")
	require.NoError(t, err)
	assert.NotSame(t, cert1, cert3)
}

func TestCertCache_IPHostGetsIPSAN(t *testing.T) {
	ca := generateTestCA(t)
	cache := NewCertCache(ca)

	cert, err := cache.GetCert("127.0.0.1")
	require.NoError(t, err)

	require.Len(t, cert.Leaf.IPAddresses, 1)
	assert.True(t, cert.Leaf.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")))
	assert.Empty(t, cert.Leaf.DNSNames)
}

// --- Interceptor tests ---

func TestProxyLoop_ForwardsAllowedRequests(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "intercepted")
		_, _ = io.WriteString(w, "upstream response body")
	}))
	defer upstream.Close()

	i, auditLog := newTestInterceptor(t, policy.Rules{AllowedDomains: []string{"example.com"}}, policy.ModeFull)

	clientTLS, serverTLS := tlsPipe(t, i)
	upTLS := dialUpstreamTLS(t, upstream)

	done := make(chan int, 1)
	go func() {
		done <- i.proxyLoop(serverTLS, upTLS, "example.com", 443, "127.0.0.1", "test-session")
	}()

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/test", http.NoBody)
	req.Host = "example.com"
	req.Close = true
	require.NoError(t, req.Write(clientTLS))

	resp, err := http.ReadResponse(bufio.NewReader(clientTLS), req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "intercepted", resp.Header.Get("X-Test"))
	assert.Equal(t, "upstream response body", string(body))

	_ = clientTLS.Close()
	assert.Equal(t, 1, <-done)
	assert.Equal(t, int64(0), auditLog.Total())
}

func TestProxyLoop_DeniesByMethodPolicy(t *testing.T) {
	i, auditLog := newTestInterceptor(t, policy.Rules{AllowedDomains: []string{"example.com"}}, policy.ModeLimited)

	clientTLS, serverTLS := tlsPipe(t, i)
	upTLS := unusedUpstream(t)

	done := make(chan int, 1)
	go func() {
		done <- i.proxyLoop(serverTLS, upTLS, "example.com", 443, "127.0.0.1", "test-session")
	}()

	// A write through the tunnel reveals the real method; limited mode
	// only permits read-only methods.
	req, _ := http.NewRequest(http.MethodPost, "http://example.com/upload", http.NoBody)
	req.Host = "example.com"
	require.NoError(t, req.Write(clientTLS))

	resp, err := http.ReadResponse(bufio.NewReader(clientTLS), req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, policy.ReasonMethodPolicy, resp.Header.Get(ErrorHeader))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "example.com", body["host"])
	assert.Equal(t, policy.ReasonMethodPolicy, body["reason"])

	assert.Equal(t, 0, <-done)

	// The denial was audited with the decrypted method visible.
	require.Equal(t, int64(1), auditLog.Total())
	events := auditLog.Recent()
	assert.Equal(t, audit.ProtocolMITM, events[0].Protocol)
	assert.Equal(t, http.MethodPost, events[0].Method)
}

func TestProxyLoop_RejectsHostMismatch(t *testing.T) {
	i, _ := newTestInterceptor(t, policy.Rules{AllowedDomains: []string{"*.example.com"}}, policy.ModeFull)

	clientTLS, serverTLS := tlsPipe(t, i)
	upTLS := unusedUpstream(t)

	done := make(chan int, 1)
	go func() {
		done <- i.proxyLoop(serverTLS, upTLS, "api.example.com", 443, "127.0.0.1", "test-session")
	}()

	req, _ := http.NewRequest(http.MethodGet, "http://other.example.com/", http.NoBody)
	req.Host = "other.example.com"
	require.NoError(t, req.Write(clientTLS))

	resp, err := http.ReadResponse(bufio.NewReader(clientTLS), req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Drain the body so the synthesized write can finish over the
	// unbuffered pipe and proxyLoop can return.
	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, 0, <-done)
}

func TestProxyLoop_RejectsNestedConnect(t *testing.T) {
	i, _ := newTestInterceptor(t, policy.Rules{AllowedDomains: []string{"example.com"}}, policy.ModeFull)

	clientTLS, serverTLS := tlsPipe(t, i)
	upTLS := unusedUpstream(t)

	done := make(chan int, 1)
	go func() {
		done <- i.proxyLoop(serverTLS, upTLS, "example.com", 443, "127.0.0.1", "test-session")
	}()

	_, err := io.WriteString(clientTLS, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(clientTLS), nil)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	// Drain the body so the synthesized write can finish over the
	// unbuffered pipe and proxyLoop can return.
	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, 0, <-done)
}

// --- Helpers ---

func generateTestCA(t *testing.T) *CA {
	t.Helper()
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca.key")

	require.NoError(t, GenerateCA(certPath, keyPath, false))

	ca, err := LoadCA(certPath, keyPath)
	require.NoError(t, err)
	return ca
}

func newTestInterceptor(t *testing.T, rules policy.Rules, mode policy.Mode) (*Interceptor, *audit.Log) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := policy.NewEngine(rules, mode, true, nil, logger)
	auditLog := audit.NewLog(audit.DefaultCapacity)
	i := New(Config{
		CA:     generateTestCA(t),
		Engine: engine,
		Audit:  auditLog,
		Logger: logger,
	})
	return i, auditLog
}

// tlsPipe returns a handshaken client/server TLS pair over a pipe, with
// the server side presenting a leaf cert from the interceptor's cache.
func tlsPipe(t *testing.T, i *Interceptor) (*tls.Conn, *tls.Conn) {
	t.Helper()

	leaf, err := i.certCache.GetCert("example.com")
	require.NoError(t, err)

	clientSide, serverSide := net.Pipe()

	serverTLS := tls.Server(serverSide, &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		MinVersion:   tls.VersionTLS12,
	})

	pool := x509.NewCertPool()
	pool.AddCert(i.ca.Cert)
	clientTLS := tls.Client(clientSide, &tls.Config{
		RootCAs:    pool,
		ServerName: "example.com",
		MinVersion: tls.VersionTLS12,
	})

	hsDone := make(chan error, 1)
	go func() { hsDone <- serverTLS.Handshake() }()
	require.NoError(t, clientTLS.Handshake())
	require.NoError(t, <-hsDone)

	t.Cleanup(func() {
		_ = clientTLS.Close()
		_ = serverTLS.Close()
	})

	return clientTLS, serverTLS
}

// dialUpstreamTLS connects to an httptest TLS server, trusting its cert.
func dialUpstreamTLS(t *testing.T, upstream *httptest.Server) *tls.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", upstream.Listener.Addr().String())
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(upstream.Certificate())
	upTLS := tls.Client(conn, &tls.Config{
		RootCAs:    pool,
		ServerName: "example.com",
		MinVersion: tls.VersionTLS12,
		//nolint:gosec // test only: httptest uses a self-signed cert
		InsecureSkipVerify: true,
	})
	require.NoError(t, upTLS.Handshake())

	t.Cleanup(func() { _ = upTLS.Close() })
	return upTLS
}

// unusedUpstream returns a TLS conn that must never be touched; requests
// denied in the tunnel break the loop before any upstream I/O.
func unusedUpstream(t *testing.T) *tls.Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return tls.Client(a, &tls.Config{MinVersion: tls.VersionTLS12})
}
