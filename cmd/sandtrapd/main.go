/*
Sandtrap - local network policy enforcement proxy for sandboxed agents.

Usage:

	sandtrapd [flags]
	sandtrapd version
	sandtrapd init-ca [--force]
	sandtrapd config dump [flags]
	sandtrapd config validate [flags]
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/grimwade/sandtrap/internal/admin"
	"github.com/grimwade/sandtrap/internal/audit"
	"github.com/grimwade/sandtrap/internal/config"
	"github.com/grimwade/sandtrap/internal/logging"
	"github.com/grimwade/sandtrap/internal/mitm"
	"github.com/grimwade/sandtrap/internal/netguard"
	"github.com/grimwade/sandtrap/internal/policy"
	"github.com/grimwade/sandtrap/internal/proxy"
	"github.com/grimwade/sandtrap/internal/socks"
	"github.com/grimwade/sandtrap/internal/version"
)

var (
	// CLI flags override config file values when explicitly set.
	flagConfigPath string
	flagHTTPAddr   string
	flagSocksAddr  string
	flagAdminAddr  string
	flagMode       string
	flagLogDir     string
	flagVerbose    bool
	flagDataDir    string
	flagMITM       bool
	flagForce      bool
)

var rootCmd = &cobra.Command{
	Use:   "sandtrapd",
	Short: "Sandtrap - local network policy enforcement proxy",
	RunE:  runProxy,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Full())
	},
}

var initCACmd = &cobra.Command{
	Use:   "init-ca",
	Short: "Generate the TLS interception CA certificate and key, then exit",
	RunE:  runInitCA,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the resolved configuration as YAML",
	RunE:  runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and exit",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "config file path (default: sandtrap.yml in current directory)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "directory for the CA and audit database")

	rootCmd.Flags().StringVar(&flagHTTPAddr, "http-addr", "", "HTTP proxy listen address (host:port)")
	rootCmd.Flags().StringVar(&flagSocksAddr, "socks-addr", "", "SOCKS5 proxy listen address (host:port)")
	rootCmd.Flags().StringVar(&flagAdminAddr, "admin-addr", "", "admin API listen address (host:port)")
	rootCmd.Flags().StringVarP(&flagMode, "mode", "m", "", `network mode ("full" or "limited")`)
	rootCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "directory for log files (empty to disable file logging)")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose (DEBUG) logging")
	rootCmd.Flags().BoolVar(&flagMITM, "mitm", false, "enable TLS interception")

	initCACmd.Flags().BoolVar(&flagForce, "force", false, "overwrite an existing CA")

	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCACmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads and merges configuration from file and CLI flags.
// It returns the resolved config and the path it was loaded from.
func loadConfig(cmd *cobra.Command) (config.Config, string, error) {
	cfg, cfgPath, err := config.Load(flagConfigPath)
	if err != nil {
		return cfg, cfgPath, err
	}

	if cfgPath != "" {
		fmt.Fprintf(os.Stderr, "config: loaded %s\n", cfgPath)
	}

	// Only flags that were explicitly set become overrides.
	overrides := config.CLIOverrides{}

	if cmd.Flags().Changed("http-addr") {
		overrides.HTTPAddr = &flagHTTPAddr
	}
	if cmd.Flags().Changed("socks-addr") {
		overrides.SocksAddr = &flagSocksAddr
	}
	if cmd.Flags().Changed("admin-addr") {
		overrides.AdminAddr = &flagAdminAddr
	}
	if cmd.Flags().Changed("mode") {
		overrides.Mode = &flagMode
	}
	if cmd.Flags().Changed("log-dir") {
		overrides.LogDir = &flagLogDir
	}
	if cmd.Flags().Changed("verbose") {
		overrides.Verbose = &flagVerbose
	}
	if cmd.Flags().Changed("data-dir") {
		overrides.DataDir = &flagDataDir
	}
	if cmd.Flags().Changed("mitm") {
		overrides.MITM = &flagMITM
	}

	cfg.Merge(overrides)

	if err := cfg.Validate(); err != nil {
		return cfg, cfgPath, err
	}

	return cfg, cfgPath, nil
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	clamped := cfg.Normalize()

	logger, cleanup := logging.Setup(logging.Config{
		LogDir:  cfg.LogDir,
		Verbose: cfg.Verbose,
	})
	defer cleanup()

	for _, name := range clamped {
		logger.Warn("listener address clamped to loopback", "listener", name)
	}

	mode, _ := policy.ParseMode(cfg.Mode)
	guard := netguard.New(logger)
	engine := policy.NewEngine(rulesFromConfig(cfg), mode, cfg.MITM.Enabled, guard, logger)

	auditLog := audit.NewLog(audit.DefaultCapacity)

	var store *audit.Store
	if cfg.Audit.Enabled {
		dbPath := filepath.Join(cfg.DataDir, "audit.db")
		store, err = audit.OpenStore(dbPath, auditLog, logger, cfg.Audit.FlushInterval.Duration)
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		defer store.Close() //nolint:errcheck // best-effort on shutdown (includes final flush)
		store.Start()

		logger.Info("audit store initialized",
			"path", dbPath,
			"flush_interval", cfg.Audit.FlushInterval.Duration,
		)
	}

	var interceptor *mitm.Interceptor
	var caPEM []byte
	if cfg.MITM.Enabled {
		ca, caErr := mitm.LoadOrGenerateCA(cfg.MITM.CACertPath, cfg.MITM.CAKeyPath)
		if caErr != nil {
			return fmt.Errorf("load interception CA: %w", caErr)
		}
		interceptor = mitm.New(mitm.Config{
			CA:             ca,
			Engine:         engine,
			Audit:          auditLog,
			Logger:         logger,
			ConnectTimeout: cfg.Timeouts.Connect.Duration,
			Inspect:        cfg.MITM.Inspect,
			MaxBodyBytes:   int64(cfg.MITM.MaxBodyBytes),
		})
		caPEM = ca.CertPEM

		logger.Info("TLS interception enabled",
			"ca_cert", cfg.MITM.CACertPath,
			"fingerprint", ca.Fingerprint,
			"inspect", cfg.MITM.Inspect,
		)
	}

	proxyCfg := &proxy.Config{
		ListenAddr:        cfg.Listeners.HTTP.Addr,
		Engine:            engine,
		Audit:             auditLog,
		Logger:            logger,
		Verbose:           cfg.Verbose,
		ConnectTimeout:    cfg.Timeouts.Connect.Duration,
		ReadHeaderTimeout: cfg.Timeouts.ReadHeader.Duration,
	}
	// Assign only when non-nil so the interface stays nil otherwise.
	if interceptor != nil {
		proxyCfg.Interceptor = interceptor
	}
	httpSrv := proxy.New(proxyCfg)

	socksSrv := socks.New(socks.Config{
		Engine:         engine,
		Audit:          auditLog,
		Logger:         logger,
		ConnectTimeout: cfg.Timeouts.Connect.Duration,
	})

	adminSrv := admin.New(&admin.Config{
		ListenAddr: cfg.Listeners.Admin.Addr,
		Engine:     engine,
		Audit:      auditLog,
		Store:      store,
		Reload:     makeReloadFunc(engine, cfgPath),
		CAPEM:      caPEM,
		Logger:     logger,
	})

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 3)

	go func() {
		logger.Info("sandtrap starting",
			"version", version.Full(),
			"mode", string(mode),
			"http_addr", cfg.Listeners.HTTP.Addr,
			"socks_addr", cfg.Listeners.Socks.Addr,
			"admin_addr", cfg.Listeners.Admin.Addr,
			"mitm_enabled", cfg.MITM.Enabled,
			"allowed_domains", len(cfg.Policy.AllowedDomains),
			"denied_domains", len(cfg.Policy.DeniedDomains),
		)
		if serveErr := httpSrv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http proxy: %w", serveErr)
		}
	}()

	go func() {
		if serveErr := socksSrv.ListenAndServe(cfg.Listeners.Socks.Addr); serveErr != nil {
			errCh <- fmt.Errorf("socks5 proxy: %w", serveErr)
		}
	}()

	go func() {
		if serveErr := adminSrv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server: %w", serveErr)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr := <-errCh:
		logger.Error("listener failed", "error", serveErr)
		return serveErr
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown.Duration)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http proxy shutdown error", "error", err)
	}
	if err := socksSrv.Shutdown(); err != nil {
		logger.Error("socks5 shutdown error", "error", err)
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin shutdown error", "error", err)
	}

	logger.Info("sandtrap stopped")
	return nil
}

// makeReloadFunc builds the admin reload closure. It re-reads the policy
// portion of the config file and swaps it into the engine, keeping the
// engine's current mode. On any error the old snapshot stays active.
// The startup config is never written back; listener addresses and
// timeouts are fixed for the life of the process.
func makeReloadFunc(engine *policy.Engine, cfgPath string) admin.ReloadFunc {
	return func() error {
		if cfgPath == "" {
			return fmt.Errorf("no config file to reload")
		}

		fresh, _, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if err := fresh.Validate(); err != nil {
			return err
		}

		cur := engine.Current()
		engine.Replace(rulesFromConfig(fresh), cur.Mode, cur.MITMEnabled)
		return nil
	}
}

// rulesFromConfig converts the config policy section to engine rules.
func rulesFromConfig(cfg config.Config) policy.Rules {
	return policy.Rules{
		AllowedDomains:    cfg.Policy.AllowedDomains,
		DeniedDomains:     cfg.Policy.DeniedDomains,
		AllowLocalBinding: cfg.Policy.AllowLocalBinding,
		AllowUnixSockets:  cfg.Policy.AllowUnixSockets,
	}
}

func runInitCA(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Normalize()

	if err := mitm.GenerateCA(cfg.MITM.CACertPath, cfg.MITM.CAKeyPath, flagForce); err != nil {
		return err
	}

	ca, err := mitm.LoadCA(cfg.MITM.CACertPath, cfg.MITM.CAKeyPath)
	if err != nil {
		return err
	}

	fmt.Printf("CA certificate: %s\n", cfg.MITM.CACertPath)
	fmt.Printf("CA private key: %s\n", cfg.MITM.CAKeyPath)
	fmt.Printf("Fingerprint:    %s\n", ca.Fingerprint)
	return nil
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out, err := cfg.Dump()
	if err != nil {
		return fmt.Errorf("dump config: %w", err)
	}

	fmt.Print(string(out))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	_, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Println("config: valid")
	return nil
}
