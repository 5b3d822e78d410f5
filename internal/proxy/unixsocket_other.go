//go:build !darwin

package proxy

import "net/http"

const unixSocketsSupported = false

// forwardUnixSocket is unreachable on platforms without unix socket
// delegation; handleUnixSocket answers 501 before calling it.
func (s *Server) forwardUnixSocket(w http.ResponseWriter, _ *http.Request, _ string) {
	http.Error(w, "unix sockets unsupported on this platform", http.StatusNotImplemented)
}
