package proxy

import (
	"net/http"

	"github.com/grimwade/sandtrap/internal/audit"
	"github.com/grimwade/sandtrap/internal/policy"
)

// handleUnixSocket delegates an HTTP request to a local unix socket named
// in the x-unix-socket header. The socket path must be explicitly listed
// in the policy; the limited-mode method gate applies as usual.
func (s *Server) handleUnixSocket(w http.ResponseWriter, r *http.Request, socketPath, clientIP string) {
	snap := s.engine.Current()

	if snap.Mode == policy.ModeLimited && !readOnlyMethod(r.Method) {
		s.denyUnixSocket(w, snap, socketPath, clientIP, r.Method, policy.ReasonMethodPolicy)
		return
	}

	if !unixSocketsSupported {
		http.Error(w, "unix sockets unsupported on this platform", http.StatusNotImplemented)
		s.logger.Warn("unix socket delegation unsupported",
			"path", socketPath,
			"remote", r.RemoteAddr,
		)
		return
	}

	if !snap.UnixSocketAllowed(socketPath) {
		s.denyUnixSocket(w, snap, socketPath, clientIP, r.Method, policy.ReasonLocalPolicy)
		return
	}

	s.logger.Info("unix socket request",
		"path", socketPath,
		"method", r.Method,
		"remote", r.RemoteAddr,
	)
	s.forwardUnixSocket(w, r, socketPath)
}

func (s *Server) denyUnixSocket(w http.ResponseWriter, snap *policy.Snapshot, socketPath, clientIP, method, reason string) {
	s.audit.Record(audit.Event{
		Host:     socketPath,
		Reason:   reason,
		Client:   clientIP,
		Method:   method,
		Mode:     string(snap.Mode),
		Protocol: audit.ProtocolUnixSocket,
	})
	s.logger.Info("unix socket denied",
		"path", socketPath,
		"method", method,
		"reason", reason,
	)
	writeDenied(w, socketPath, reason)
}

func readOnlyMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
