/*
Package policy implements the domain policy decision engine.

Every front-end (HTTP, SOCKS5, MITM) normalizes its request into a
Descriptor and calls Decide. The engine owns the active policy as an
immutable snapshot behind an atomic pointer: readers grab the snapshot
once per decision, writers (admin mode switch / reload) publish a new
snapshot without mutating the one in-flight readers hold.
*/
package policy

import (
	"strings"
)

// Matches reports whether hostname matches a single domain pattern.
//
// Patterns are case-insensitive. A pattern of the exact form "*."+apex
// matches the apex itself and any subdomain of it ("*.example.com"
// matches both "example.com" and "a.b.example.com"). Any other pattern
// matches only byte-equal hostnames. There are no other wildcard forms;
// the narrow grammar keeps the security property auditable.
func Matches(pattern, hostname string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	hostname = NormalizeHost(hostname)
	if pattern == "" || hostname == "" {
		return false
	}

	if apex, ok := strings.CutPrefix(pattern, "*."); ok {
		return hostname == apex || strings.HasSuffix(hostname, "."+apex)
	}
	return hostname == pattern
}

// MatchesAny reports whether hostname matches any pattern in the list.
func MatchesAny(patterns []string, hostname string) bool {
	for _, p := range patterns {
		if Matches(p, hostname) {
			return true
		}
	}
	return false
}

// NormalizeHost lowercases a host, strips surrounding whitespace, an
// optional port, IPv6 brackets, and a trailing dot.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if strings.HasPrefix(host, "[") {
		if end := strings.IndexByte(host, ']'); end >= 0 {
			return strings.ToLower(host[1:end])
		}
	}
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 && strings.Count(host, ":") == 1 {
		host = host[:idx]
	}
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}
