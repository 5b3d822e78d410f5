package policy

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// Mode selects how much traffic the proxy permits.
type Mode string

// Operating modes. Limited restricts HTTP methods to a read-only subset
// and requires MITM for any CONNECT traffic; Full permits all methods
// and blind tunneling.
const (
	ModeLimited Mode = "limited"
	ModeFull    Mode = "full"
)

// ParseMode converts a config string to a Mode.
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeLimited:
		return ModeLimited, true
	case ModeFull:
		return ModeFull, true
	}
	return "", false
}

// Denial reasons, the wire contract carried in the x-proxy-error header.
const (
	ReasonDenylist     = "blocked-by-denylist"
	ReasonAllowlist    = "blocked-by-allowlist"
	ReasonMethodPolicy = "blocked-by-method-policy"
	ReasonMITMRequired = "blocked-by-mitm-required"
	ReasonLocalPolicy  = "blocked-by-policy"
)

// Rules is the domain policy portion of a snapshot. Evaluated with
// deny-takes-precedence; an empty allowlist denies every host (fail-closed).
type Rules struct {
	AllowedDomains    []string `json:"allowed_domains"`
	DeniedDomains     []string `json:"denied_domains"`
	AllowLocalBinding bool     `json:"allow_local_binding"`
	AllowUnixSockets  []string `json:"allow_unix_sockets"`
}

// Descriptor is the normalized input to a policy decision, built by a
// front-end just before calling Decide. Method is empty when the protocol
// has no HTTP method (raw CONNECT, SOCKS5).
type Descriptor struct {
	Host   string
	Port   int
	Method string
	IsTLS  bool
}

// Decision is the sole output of policy evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

var allowed = Decision{Allowed: true}

func denied(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Guard classifies hosts as loopback/private. The literal check is pure;
// the resolving check may perform DNS and is best-effort only.
type Guard interface {
	IsLocalOrPrivateLiteral(host string) bool
	ResolvesLocalOrPrivate(ctx context.Context, host string) bool
}

// Snapshot is one immutable policy generation. All fields are fixed at
// construction; a decision made against a snapshot can never observe a
// concurrent reload.
type Snapshot struct {
	Rules       Rules
	Mode        Mode
	MITMEnabled bool
	Generation  uint64

	exactAllow map[string]struct{}
}

// newSnapshot precomputes the exact-presence set used for the local
// network guard exemption.
func newSnapshot(rules Rules, mode Mode, mitmEnabled bool, generation uint64) *Snapshot {
	exact := make(map[string]struct{}, len(rules.AllowedDomains))
	for _, p := range rules.AllowedDomains {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && !strings.HasPrefix(p, "*.") {
			exact[p] = struct{}{}
		}
	}
	return &Snapshot{
		Rules:       rules,
		Mode:        mode,
		MITMEnabled: mitmEnabled,
		Generation:  generation,
		exactAllow:  exact,
	}
}

// explicitlyAllowed reports whether the host appears verbatim in the
// allowlist. Wildcard patterns do not count: an operator who wants a
// loopback or private host reachable must name it exactly.
func (s *Snapshot) explicitlyAllowed(host string) bool {
	_, ok := s.exactAllow[NormalizeHost(host)]
	return ok
}

// methodAllowed applies the limited-mode read-only method gate. An empty
// method means the protocol carries no HTTP method and is not gated here.
func (s *Snapshot) methodAllowed(method string) bool {
	if s.Mode == ModeFull || method == "" {
		return true
	}
	switch strings.ToUpper(method) {
	case "GET", "HEAD", "OPTIONS":
		return true
	}
	return false
}

// Decide evaluates a request descriptor against this snapshot.
//
// Check order is fixed: deny-list, fail-closed empty allowlist, and the
// no-DNS literal guard all run before anything that could touch the
// network, so a denial never requires a lookup. The DNS-resolving guard
// runs last and only for hosts that already passed every other gate.
func (s *Snapshot) Decide(ctx context.Context, guard Guard, d Descriptor) Decision {
	host := NormalizeHost(d.Host)

	if MatchesAny(s.Rules.DeniedDomains, host) {
		return denied(ReasonDenylist)
	}

	if len(s.Rules.AllowedDomains) == 0 {
		return denied(ReasonAllowlist)
	}

	// Loopback/private literals are caught here without I/O. Exact
	// allowlist presence exempts a host the operator named deliberately.
	if !s.Rules.AllowLocalBinding && !s.explicitlyAllowed(host) &&
		guard != nil && guard.IsLocalOrPrivateLiteral(host) {
		return denied(ReasonLocalPolicy)
	}

	if !MatchesAny(s.Rules.AllowedDomains, host) {
		return denied(ReasonAllowlist)
	}

	if !s.methodAllowed(d.Method) {
		return denied(ReasonMethodPolicy)
	}

	// A raw CONNECT in limited mode is an opaque tunnel that could hide a
	// disallowed method; without MITM the method gate cannot be enforced.
	if s.Mode == ModeLimited && d.IsTLS && d.Method == "" && !s.MITMEnabled {
		return denied(ReasonMITMRequired)
	}

	// Best-effort DNS rebinding mitigation, not a guarantee: resolution
	// can change between this check and the dial.
	if !s.Rules.AllowLocalBinding && !s.explicitlyAllowed(host) &&
		guard != nil && guard.ResolvesLocalOrPrivate(ctx, host) {
		return denied(ReasonLocalPolicy)
	}

	return allowed
}

// UnixSocketAllowed reports whether the given unix socket path is listed
// in the policy.
func (s *Snapshot) UnixSocketAllowed(path string) bool {
	for _, p := range s.Rules.AllowUnixSockets {
		if p == path {
			return true
		}
	}
	return false
}

// Engine owns the active policy snapshot. Reads are lock-free; the two
// writers (mode switch and reload) serialize on a mutex and publish
// copy-on-write.
type Engine struct {
	snap   atomic.Pointer[Snapshot]
	mu     sync.Mutex
	guard  Guard
	logger *slog.Logger
}

// NewEngine creates an engine with an initial snapshot at generation 1.
func NewEngine(rules Rules, mode Mode, mitmEnabled bool, guard Guard, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{guard: guard, logger: logger}
	e.snap.Store(newSnapshot(rules, mode, mitmEnabled, 1))
	return e
}

// Current returns the active snapshot. Callers that make several related
// checks (e.g. a MITM session evaluating requests on one connection)
// should hold the snapshot rather than calling Decide repeatedly, so all
// checks observe one generation.
func (e *Engine) Current() *Snapshot {
	return e.snap.Load()
}

// Decide evaluates the descriptor against the current snapshot.
func (e *Engine) Decide(ctx context.Context, d Descriptor) Decision {
	return e.Current().Decide(ctx, e.guard, d)
}

// Guard returns the engine's local network guard.
func (e *Engine) Guard() Guard {
	return e.guard
}

// Mode returns the current operating mode.
func (e *Engine) Mode() Mode {
	return e.Current().Mode
}

// SetMode publishes a new snapshot with the given mode. Rules and MITM
// state carry over unchanged.
func (e *Engine) SetMode(mode Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.snap.Load()
	e.snap.Store(newSnapshot(cur.Rules, mode, cur.MITMEnabled, cur.Generation+1))
	e.logger.Info("network mode updated", "mode", string(mode))
}

// Replace publishes a completely new snapshot (admin reload path).
// In-flight decisions keep the snapshot they already hold.
func (e *Engine) Replace(rules Rules, mode Mode, mitmEnabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.snap.Load()
	logListChanges(e.logger, "allowlist", cur.Rules.AllowedDomains, rules.AllowedDomains)
	logListChanges(e.logger, "denylist", cur.Rules.DeniedDomains, rules.DeniedDomains)
	e.snap.Store(newSnapshot(rules, mode, mitmEnabled, cur.Generation+1))
}

// logListChanges logs per-entry adds and removes between two pattern lists.
func logListChanges(logger *slog.Logger, list string, previous, next []string) {
	prevSet := make(map[string]struct{}, len(previous))
	for _, entry := range previous {
		prevSet[strings.ToLower(entry)] = struct{}{}
	}
	nextSet := make(map[string]struct{}, len(next))
	for _, entry := range next {
		nextSet[strings.ToLower(entry)] = struct{}{}
	}

	seen := make(map[string]struct{})
	for _, entry := range next {
		key := strings.ToLower(entry)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := prevSet[key]; !ok {
			logger.Info("policy entry added", "list", list, "entry", entry)
		}
	}
	seen = make(map[string]struct{})
	for _, entry := range previous {
		key := strings.ToLower(entry)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := nextSet[key]; !ok {
			logger.Info("policy entry removed", "list", list, "entry", entry)
		}
	}
}
