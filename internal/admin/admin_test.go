package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/grimwade/sandtrap/internal/audit"
	"github.com/grimwade/sandtrap/internal/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg *Config) *Server {
	t.Helper()
	if cfg.Engine == nil {
		cfg.Engine = policy.NewEngine(policy.Rules{
			AllowedDomains: []string{"example.com", "*.trusted.test"},
			DeniedDomains:  []string{"evil.test"},
		}, policy.ModeLimited, false, nil, testLogger())
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewLog(audit.DefaultCapacity)
	}
	cfg.Logger = testLogger()
	return New(cfg)
}

func getJSON(t *testing.T, handler http.Handler, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(payload))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, &buf))

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &Config{})

	code, body := getJSON(t, srv.Handler(), "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["version"])
	assert.Contains(t, body, "uptime_seconds")
}

func TestConfig(t *testing.T) {
	srv := newTestServer(t, &Config{})

	code, body := getJSON(t, srv.Handler(), "/config")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "limited", body["mode"])
	assert.Equal(t, false, body["mitm_enabled"])

	pol, ok := body["policy"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, pol["allowed_domains"], "example.com")
}

func TestPatterns(t *testing.T) {
	srv := newTestServer(t, &Config{})

	code, body := getJSON(t, srv.Handler(), "/patterns")
	assert.Equal(t, http.StatusOK, code)
	assert.ElementsMatch(t, []any{"example.com", "*.trusted.test"}, body["allowed"])
	assert.ElementsMatch(t, []any{"evil.test"}, body["denied"])
}

func TestPatternsEmptyPolicy(t *testing.T) {
	engine := policy.NewEngine(policy.Rules{}, policy.ModeFull, false, nil, testLogger())
	srv := newTestServer(t, &Config{Engine: engine})

	code, body := getJSON(t, srv.Handler(), "/patterns")
	assert.Equal(t, http.StatusOK, code)
	// Empty lists serialize as [], not null.
	assert.Equal(t, []any{}, body["allowed"])
	assert.Equal(t, []any{}, body["denied"])
}

func TestBlocked(t *testing.T) {
	auditLog := audit.NewLog(audit.DefaultCapacity)
	auditLog.Record(audit.Event{Host: "evil.test", Reason: policy.ReasonDenylist, Protocol: audit.ProtocolHTTP})
	srv := newTestServer(t, &Config{Audit: auditLog})

	code, body := getJSON(t, srv.Handler(), "/blocked")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["total"])

	events, ok := body["events"].([]any)
	require.True(t, ok)
	require.Len(t, events, 1)
	ev := events[0].(map[string]any)
	assert.Equal(t, "evil.test", ev["host"])

	// Reads do not drain the ring.
	_, body = getJSON(t, srv.Handler(), "/blocked")
	assert.Equal(t, float64(1), body["total"])
}

func TestSetMode(t *testing.T) {
	srv := newTestServer(t, &Config{})

	code, body := postJSON(t, srv.Handler(), "/mode", map[string]string{"mode": "full"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "full", body["mode"])
	assert.Equal(t, policy.ModeFull, srv.engine.Current().Mode)

	code, _ = postJSON(t, srv.Handler(), "/mode", map[string]string{"mode": "limited"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, policy.ModeLimited, srv.engine.Current().Mode)
}

func TestSetModeInvalid(t *testing.T) {
	srv := newTestServer(t, &Config{})
	before := srv.engine.Current().Generation

	code, body := postJSON(t, srv.Handler(), "/mode", map[string]string{"mode": "strict"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "mode must be")
	assert.Equal(t, before, srv.engine.Current().Generation)
}

func TestReload(t *testing.T) {
	engine := policy.NewEngine(policy.Rules{AllowedDomains: []string{"old.test"}}, policy.ModeFull, false, nil, testLogger())
	reload := func() error {
		cur := engine.Current()
		engine.Replace(policy.Rules{AllowedDomains: []string{"new.test"}}, cur.Mode, cur.MITMEnabled)
		return nil
	}
	srv := newTestServer(t, &Config{Engine: engine, Reload: reload})

	code, body := postJSON(t, srv.Handler(), "/reload", map[string]any{})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "reloaded", body["status"])
	assert.Equal(t, []string{"new.test"}, engine.Current().Rules.AllowedDomains)
}

func TestReloadFailureKeepsSnapshot(t *testing.T) {
	engine := policy.NewEngine(policy.Rules{AllowedDomains: []string{"old.test"}}, policy.ModeFull, false, nil, testLogger())
	reload := func() error { return errors.New("config file is malformed") }
	srv := newTestServer(t, &Config{Engine: engine, Reload: reload})

	code, body := postJSON(t, srv.Handler(), "/reload", map[string]any{})
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, body["error"], "malformed")
	assert.Equal(t, []string{"old.test"}, engine.Current().Rules.AllowedDomains)
}

func TestReloadNotConfigured(t *testing.T) {
	srv := newTestServer(t, &Config{})

	code, _ := postJSON(t, srv.Handler(), "/reload", map[string]any{})
	assert.Equal(t, http.StatusNotImplemented, code)
}

func TestTopDenied(t *testing.T) {
	auditLog := audit.NewLog(audit.DefaultCapacity)
	store, err := audit.OpenStore(t.TempDir()+"/audit.db", auditLog, testLogger(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for i := 0; i < 3; i++ {
		auditLog.Record(audit.Event{Host: "evil.test", Reason: policy.ReasonDenylist, Protocol: audit.ProtocolHTTP})
	}
	auditLog.Record(audit.Event{Host: "other.test", Reason: policy.ReasonAllowlist, Protocol: audit.ProtocolHTTP})
	require.NoError(t, store.Flush())

	srv := newTestServer(t, &Config{Audit: auditLog, Store: store})

	code, body := getJSON(t, srv.Handler(), "/blocked/top?limit=1")
	assert.Equal(t, http.StatusOK, code)

	top, ok := body["top"].([]any)
	require.True(t, ok)
	require.Len(t, top, 1)
	entry := top[0].(map[string]any)
	assert.Equal(t, "evil.test", entry["host"])
	assert.Equal(t, float64(3), entry["count"])
}

func TestTopDeniedNotRegisteredWithoutStore(t *testing.T) {
	srv := newTestServer(t, &Config{})

	// The mux's 404 body is plain text, so skip the JSON helper.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/blocked/top", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCAPEM(t *testing.T) {
	pem := []byte("-----BEGIN CERTIFICATE-----\nZmFrZQ==\n-----END CERTIFICATE-----\n")
	srv := newTestServer(t, &Config{CAPEM: pem})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ca.pem", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-pem-file", rec.Header().Get("Content-Type"))
	assert.Equal(t, pem, rec.Body.Bytes())
}

func TestEventsWebsocket(t *testing.T) {
	auditLog := audit.NewLog(audit.DefaultCapacity)
	srv := newTestServer(t, &Config{Audit: auditLog})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/events", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck // test cleanup

	// Give the handler time to subscribe before the event fires.
	time.Sleep(50 * time.Millisecond)
	auditLog.Record(audit.Event{
		Host:     "evil.test",
		Reason:   policy.ReasonDenylist,
		Protocol: audit.ProtocolHTTP,
	})

	var ev audit.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, "evil.test", ev.Host)
	assert.Equal(t, policy.ReasonDenylist, ev.Reason)
}
