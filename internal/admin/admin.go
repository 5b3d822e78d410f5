/*
Package admin implements the local management API.

It exposes read endpoints for the active policy and recent denials, and
two write operations: a mode switch and a policy reload. Both writes
publish a fresh policy snapshot atomically; decisions already in flight
keep the snapshot they started with.
*/
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/grimwade/sandtrap/internal/audit"
	"github.com/grimwade/sandtrap/internal/policy"
	"github.com/grimwade/sandtrap/internal/version"
)

// ReloadFunc re-reads the policy source and publishes it to the engine.
// It must leave the old snapshot in place when it returns an error.
type ReloadFunc func() error

// Server is the admin HTTP server.
type Server struct {
	httpServer *http.Server
	engine     *policy.Engine
	audit      *audit.Log
	store      *audit.Store
	reload     ReloadFunc
	caPEM      []byte
	logger     *slog.Logger
	startTime  time.Time

	shutdownOnce sync.Once
}

// Config holds admin server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "127.0.0.1:8080").
	ListenAddr string
	// Engine is the policy engine the write endpoints act on. Required.
	Engine *policy.Engine
	// Audit is the in-memory denial ring. Required.
	Audit *audit.Log
	// Store is the persistent audit store. If nil, the top-denied
	// endpoint is not registered.
	Store *audit.Store
	// Reload re-reads the policy source. If nil, POST /reload returns 501.
	Reload ReloadFunc
	// CAPEM, when non-nil, is served at GET /ca.pem so sandboxed clients
	// can trust the interception CA.
	CAPEM []byte
	// Logger is the structured logger. If nil, a default is created.
	Logger *slog.Logger
}

// New creates an admin server.
func New(cfg *Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		engine:    cfg.Engine,
		audit:     cfg.Audit,
		store:     cfg.Store,
		reload:    cfg.Reload,
		caPEM:     cfg.CAPEM,
		logger:    logger,
		startTime: time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.buildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /patterns", s.handlePatterns)
	mux.HandleFunc("GET /blocked", s.handleBlocked)
	mux.HandleFunc("POST /mode", s.handleMode)
	mux.HandleFunc("POST /reload", s.handleReload)
	mux.HandleFunc("GET /events", s.handleEvents)

	if s.store != nil {
		mux.HandleFunc("GET /blocked/top", s.handleTopDenied)
	}
	if s.caPEM != nil {
		mux.HandleFunc("GET /ca.pem", s.handleCAPEM)
	}

	return mux
}

// Handler returns the admin handler. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the admin server.
func (s *Server) ListenAndServe() error {
	s.logger.Info("admin server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on an existing listener. Used by tests.
func (s *Server) Serve(l net.Listener) error {
	return s.httpServer.Serve(l)
}

// Shutdown gracefully shuts down the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("admin server shutting down")
		err = s.httpServer.Shutdown(ctx)
	})
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        version.Short(),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	snap := s.engine.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":         string(snap.Mode),
		"mitm_enabled": snap.MITMEnabled,
		"generation":   snap.Generation,
		"policy":       snap.Rules,
	})
}

func (s *Server) handlePatterns(w http.ResponseWriter, _ *http.Request) {
	snap := s.engine.Current()
	allowed := snap.Rules.AllowedDomains
	if allowed == nil {
		allowed = []string{}
	}
	denied := snap.Rules.DeniedDomains
	if denied == nil {
		denied = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed": allowed,
		"denied":  denied,
	})
}

// handleBlocked returns the recent denial ring. Reads do not drain the
// ring, so several consumers can poll it.
func (s *Server) handleBlocked(w http.ResponseWriter, _ *http.Request) {
	events := s.audit.Recent()
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  s.audit.Total(),
	})
}

func (s *Server) handleTopDenied(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	top := s.store.TopDenied(limit)
	if top == nil {
		top = []audit.HostCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"top": top})
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	mode, ok := policy.ParseMode(body.Mode)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, `mode must be "full" or "limited"`)
		return
	}

	s.engine.SetMode(mode)
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(mode)})
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if s.reload == nil {
		writeJSONError(w, http.StatusNotImplemented, "reload not supported")
		return
	}

	if err := s.reload(); err != nil {
		// The engine keeps serving the previous snapshot.
		s.logger.Error("policy reload failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	snap := s.engine.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "reloaded",
		"generation": snap.Generation,
	})
}

func (s *Server) handleCAPEM(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.caPEM)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
