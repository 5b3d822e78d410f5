//go:build darwin

package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
)

const unixSocketsSupported = true

// forwardUnixSocket sends the request over the unix socket and relays the
// response. The target is addressed by path only; host is a placeholder.
func (s *Server) forwardUnixSocket(w http.ResponseWriter, r *http.Request, socketPath string) {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	defer transport.CloseIdleConnections()

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	outReq.URL.Scheme = "http"
	outReq.URL.Host = "localhost"
	removeHopByHopHeaders(outReq.Header)
	outReq.Header.Del(UnixSocketHeader)

	resp, err := transport.RoundTrip(outReq)
	if err != nil {
		http.Error(w, fmt.Sprintf("unix socket proxy failed: %v", err), http.StatusBadGateway)
		s.logger.Warn("unix socket request failed",
			"path", socketPath,
			"error", err,
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
	_, _ = io.Copy(w, resp.Body) //nolint:errcheck // best-effort streaming
}
