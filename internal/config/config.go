/*
Package config handles YAML configuration loading, validation, and
CLI flag merging for sandtrapd.

Configuration is resolved in this order (highest priority first):
 1. CLI flags (explicitly passed)
 2. Config file values
 3. Built-in defaults

All listener addresses are clamped to loopback unless the per-listener
allow_non_loopback override is set. When unix-socket proxying is enabled
the clamp applies regardless of the override.
*/
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Network modes. Limited restricts traffic to read-only HTTP methods and
// requires MITM for HTTPS; Full permits all methods and blind tunneling.
const (
	ModeFull    = "full"
	ModeLimited = "limited"
)

// Config is the top-level configuration for sandtrapd.
type Config struct {
	Listeners Listeners `yaml:"listeners"`
	Mode      string    `yaml:"mode"`
	Policy    Policy    `yaml:"policy"`
	MITM      MITM      `yaml:"mitm"`
	LogDir    string    `yaml:"log_dir"`
	Verbose   bool      `yaml:"verbose"`
	DataDir   string    `yaml:"data_dir"`
	Timeouts  Timeouts  `yaml:"timeouts"`
	Audit     Audit     `yaml:"audit"`
}

// Listener holds one listener's bind address and its loopback override.
type Listener struct {
	Addr             string `yaml:"addr"`
	AllowNonLoopback bool   `yaml:"allow_non_loopback"`
}

// Listeners holds the three listener configurations.
type Listeners struct {
	HTTP  Listener `yaml:"http"`
	Socks Listener `yaml:"socks"`
	Admin Listener `yaml:"admin"`
}

// Policy holds the domain policy lists.
type Policy struct {
	AllowedDomains    []string `yaml:"allowed_domains"`
	DeniedDomains     []string `yaml:"denied_domains"`
	AllowLocalBinding bool     `yaml:"allow_local_binding"`
	AllowUnixSockets  []string `yaml:"allow_unix_sockets"`
}

// MITM holds TLS interception configuration.
type MITM struct {
	Enabled      bool   `yaml:"enabled"`
	Inspect      bool   `yaml:"inspect"`
	MaxBodyBytes int    `yaml:"max_body_bytes"`
	CACertPath   string `yaml:"ca_cert_path"`
	CAKeyPath    string `yaml:"ca_key_path"`
}

// Timeouts holds proxy timeout configuration.
type Timeouts struct {
	Shutdown   Duration `yaml:"shutdown"`
	Connect    Duration `yaml:"connect"`
	ReadHeader Duration `yaml:"read_header"`
}

// Audit holds denial-event persistence configuration.
type Audit struct {
	Enabled       bool     `yaml:"enabled"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// Default returns a Config populated with built-in defaults.
func Default() Config {
	return Config{
		Listeners: Listeners{
			HTTP:  Listener{Addr: "127.0.0.1:3128"},
			Socks: Listener{Addr: "127.0.0.1:8081"},
			Admin: Listener{Addr: "127.0.0.1:8080"},
		},
		Mode:    ModeFull,
		LogDir:  "logs",
		DataDir: ".",
		MITM: MITM{
			MaxBodyBytes: 4096,
			CACertPath:   "mitm/ca.pem",
			CAKeyPath:    "mitm/ca.key",
		},
		Timeouts: Timeouts{
			Shutdown:   Duration{5 * time.Second},
			Connect:    Duration{10 * time.Second},
			ReadHeader: Duration{10 * time.Second},
		},
		Audit: Audit{
			Enabled:       true,
			FlushInterval: Duration{60 * time.Second},
		},
	}
}

// Load reads a config file from disk and parses it. If path is empty,
// it searches for sandtrap.yml or sandtrap.yaml in the working directory.
// Returns the parsed config and the path that was loaded (empty if none found).
func Load(path string) (Config, string, error) {
	cfg := Default()

	if path == "" {
		path = discover()
		if path == "" {
			return cfg, "", nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, path, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, path, nil
}

// discover searches for a config file in the working directory.
func discover() string {
	for _, name := range []string{"sandtrap.yml", "sandtrap.yaml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// CLIOverrides holds values from CLI flags that should override config file values.
// A nil value means the flag was not explicitly set.
type CLIOverrides struct {
	HTTPAddr  *string
	SocksAddr *string
	AdminAddr *string
	Mode      *string
	LogDir    *string
	Verbose   *bool
	DataDir   *string
	MITM      *bool
}

// Merge applies CLI flag overrides to a loaded config. Only explicitly-set
// flags override config file values.
func (c *Config) Merge(o CLIOverrides) {
	if o.HTTPAddr != nil {
		c.Listeners.HTTP.Addr = *o.HTTPAddr
	}
	if o.SocksAddr != nil {
		c.Listeners.Socks.Addr = *o.SocksAddr
	}
	if o.AdminAddr != nil {
		c.Listeners.Admin.Addr = *o.AdminAddr
	}
	if o.Mode != nil {
		c.Mode = *o.Mode
	}
	if o.LogDir != nil {
		c.LogDir = *o.LogDir
	}
	if o.Verbose != nil {
		c.Verbose = *o.Verbose
	}
	if o.DataDir != nil {
		c.DataDir = *o.DataDir
	}
	if o.MITM != nil {
		c.MITM.Enabled = *o.MITM
	}
}

// Validate checks the config for invalid values and returns an error
// describing all problems found.
func (c *Config) Validate() error {
	var errs []string

	for _, l := range []struct {
		name string
		addr string
	}{
		{"listeners.http", c.Listeners.HTTP.Addr},
		{"listeners.socks", c.Listeners.Socks.Addr},
		{"listeners.admin", c.Listeners.Admin.Addr},
	} {
		if _, err := net.ResolveTCPAddr("tcp", l.addr); err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid address %q: %v", l.name, l.addr, err))
		}
	}

	if c.Mode != ModeFull && c.Mode != ModeLimited {
		errs = append(errs, fmt.Sprintf("mode: must be %q or %q, got %q", ModeFull, ModeLimited, c.Mode))
	}

	errs = append(errs, validatePatterns("policy.allowed_domains", c.Policy.AllowedDomains)...)
	errs = append(errs, validatePatterns("policy.denied_domains", c.Policy.DeniedDomains)...)

	if c.Timeouts.Shutdown.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.shutdown: must be positive, got %s", c.Timeouts.Shutdown))
	}
	if c.Timeouts.Connect.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.connect: must be positive, got %s", c.Timeouts.Connect))
	}
	if c.Timeouts.ReadHeader.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.read_header: must be positive, got %s", c.Timeouts.ReadHeader))
	}

	if c.MITM.Enabled && c.MITM.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Sprintf("mitm.max_body_bytes: must be positive, got %d", c.MITM.MaxBodyBytes))
	}

	if c.Audit.Enabled && c.Audit.FlushInterval.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("audit.flush_interval: must be positive, got %s", c.Audit.FlushInterval))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return nil
}

// validatePatterns checks that policy entries are valid exact domains or
// *.domain wildcard patterns.
func validatePatterns(field string, entries []string) []string {
	var errs []string
	for i, entry := range entries {
		switch {
		case entry == "" || strings.Contains(entry, "/") || strings.Contains(entry, " "):
			errs = append(errs, fmt.Sprintf("%s[%d]: invalid entry %q", field, i, entry))
		case strings.HasPrefix(entry, "*."):
			apex := entry[2:]
			if apex == "" || strings.Contains(apex, "*") {
				errs = append(errs, fmt.Sprintf("%s[%d]: invalid wildcard pattern %q", field, i, entry))
			}
		case strings.Contains(entry, "*"):
			errs = append(errs, fmt.Sprintf("%s[%d]: wildcard must be prefix *.domain, got %q", field, i, entry))
		}
	}
	return errs
}

// Normalize rewrites non-loopback listener addresses to loopback unless the
// listener's allow_non_loopback override is set, and resolves relative MITM
// paths against the data directory. When unix-socket proxying is configured,
// the clamp applies to every listener regardless of override. Returns the
// names of listeners that were clamped.
func (c *Config) Normalize() []string {
	forceLoopback := len(c.Policy.AllowUnixSockets) > 0

	var clamped []string
	for _, l := range []struct {
		name     string
		listener *Listener
	}{
		{"http", &c.Listeners.HTTP},
		{"socks", &c.Listeners.Socks},
		{"admin", &c.Listeners.Admin},
	} {
		if l.listener.AllowNonLoopback && !forceLoopback {
			continue
		}
		if addr, changed := clampToLoopback(l.listener.Addr); changed {
			l.listener.Addr = addr
			clamped = append(clamped, l.name)
		}
	}

	if !filepath.IsAbs(c.MITM.CACertPath) {
		c.MITM.CACertPath = filepath.Join(c.DataDir, c.MITM.CACertPath)
	}
	if !filepath.IsAbs(c.MITM.CAKeyPath) {
		c.MITM.CAKeyPath = filepath.Join(c.DataDir, c.MITM.CAKeyPath)
	}

	return clamped
}

// clampToLoopback rewrites the host part of addr to 127.0.0.1 if it is not
// already a loopback address. Returns the (possibly rewritten) address and
// whether a rewrite happened.
func clampToLoopback(addr string) (string, bool) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, false
	}
	if host == "" {
		return net.JoinHostPort("127.0.0.1", port), true
	}
	if strings.EqualFold(host, "localhost") {
		return addr, false
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return addr, false
	}
	return net.JoinHostPort("127.0.0.1", port), true
}

// Dump serializes the config to YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
