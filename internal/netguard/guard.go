/*
Package netguard classifies hosts as loopback or private-network targets.

The literal check is pure string/address inspection. The resolving check
performs a best-effort forward DNS lookup and classifies every returned
address. This is a mitigation, not a guarantee: DNS rebinding can change
what a name resolves to between the check and the dial, so callers must
treat the guard as defense-in-depth rather than a hard boundary.
*/
package netguard

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"
)

// Guard resolves and classifies hostnames.
type Guard struct {
	resolver *net.Resolver
	logger   *slog.Logger
	timeout  time.Duration
}

// New creates a guard using the default resolver.
func New(logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		resolver: net.DefaultResolver,
		logger:   logger,
		timeout:  3 * time.Second,
	}
}

// IsLocalOrPrivateLiteral reports whether the host string itself names a
// loopback, link-local, RFC1918, or IPv6 ULA target. No I/O.
func (g *Guard) IsLocalOrPrivateLiteral(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return classify(addr)
}

// ResolvesLocalOrPrivate reports whether forward DNS resolution of host
// lands in a loopback or private range. Hosts that are already address
// literals are classified without a lookup. Resolution failure counts as
// not-private: the dial will fail on its own, and failing closed here
// would make the proxy unusable during DNS outages.
func (g *Guard) ResolvesLocalOrPrivate(ctx context.Context, host string) bool {
	if g.IsLocalOrPrivateLiteral(host) {
		return true
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		g.logger.Debug("local network guard lookup failed", "host", host, "error", err)
		return false
	}
	for _, addr := range addrs {
		if classify(addr.Unmap()) {
			return true
		}
	}
	return false
}

// classify reports whether an address is loopback, link-local, RFC1918,
// IPv6 ULA, or unspecified.
func classify(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsPrivate() ||
		addr.IsUnspecified()
}
