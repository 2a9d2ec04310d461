package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/benithors/whocache/internal/config"
	"github.com/benithors/whocache/internal/logging"
	"github.com/benithors/whocache/internal/metrics"
)

type cliConfig struct {
	Version string

	// Global flags. Flags that are set override the environment.
	VersionFlag bool
	EnvFile     string
	Format      string
	JSON        bool
	NDJSON      bool
	Plain       bool
	Strict      bool
	StrictIP    bool
	Quiet       bool
	Verbose     bool

	Cache       string
	LogLevel    string
	Direct      bool
	SOCKSAddr   string
	ControlAddr string
	Timeout     time.Duration
	Concurrency int
	MaxAttempts int
	WhoisServer string
	MetricsFile string
	MetricsAddr string

	// Derived runtime state.
	env       config.Config
	outFormat outputFormat
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

func newRootCmd(ver string) *cobra.Command {
	cfg := &cliConfig{Version: ver}

	root := &cobra.Command{
		Use:           "whocache",
		Short:         "Cached WHOIS lookups over Tor with circuit rotation on rate limits",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageErr(cmd, fmt.Errorf("unknown command %q", args[0]))
			}
			return &cliError{Code: 2, ShowUsage: true, Cmd: cmd}
		},
	}
	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)
	root.SetFlagErrorFunc(usageErr)

	pf := root.PersistentFlags()
	pf.BoolVar(&cfg.VersionFlag, "version", false, "Print version and exit")
	pf.StringVar(&cfg.EnvFile, "env-file", ".env", "Optional dotenv file with WHOCACHE_* settings")
	pf.StringVar(&cfg.Format, "format", "auto", "Output format: auto|table|ndjson|json|plain")
	pf.BoolVar(&cfg.JSON, "json", false, "Alias for --format json (single JSON array)")
	pf.BoolVar(&cfg.NDJSON, "ndjson", false, "Alias for --format ndjson (one JSON object per line)")
	pf.BoolVar(&cfg.Plain, "plain", false, "Alias for --format plain (stable tab-separated)")
	pf.BoolVar(&cfg.Strict, "strict", false, "Exit non-zero if any lookup failed")
	pf.BoolVar(&cfg.StrictIP, "strict-ip", false, "Reject IP literals that do not reverse-resolve")
	pf.BoolVarP(&cfg.Quiet, "quiet", "q", false, "Only log warnings and errors")
	pf.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Debug logging")

	pf.StringVar(&cfg.Cache, "cache", "whois.cache", "Cache location: SQLite file path or redis:// URL (WHOCACHE_CACHE)")
	pf.StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug|info|warn|error (WHOCACHE_LOG_LEVEL)")
	pf.BoolVar(&cfg.Direct, "direct", false, "Bypass Tor: query directly, circuit rotation becomes a no-op (WHOCACHE_DIRECT)")
	pf.StringVar(&cfg.SOCKSAddr, "tor-socks", "127.0.0.1:9050", "Tor SOCKS5 address (WHOCACHE_TOR_SOCKS_ADDR)")
	pf.StringVar(&cfg.ControlAddr, "tor-control", "127.0.0.1:9051", "Tor control port address (WHOCACHE_TOR_CONTROL_ADDR)")
	pf.DurationVar(&cfg.Timeout, "timeout", 30*time.Second, "Per-query timeout (WHOCACHE_QUERY_TIMEOUT)")
	pf.IntVar(&cfg.Concurrency, "concurrency", 1, "Max concurrent lookups (WHOCACHE_CONCURRENCY)")
	pf.IntVar(&cfg.MaxAttempts, "max-attempts", 3, "Queries per identity before giving up on rate limits (WHOCACHE_MAX_ATTEMPTS)")
	pf.StringVar(&cfg.WhoisServer, "whois-server", "", "Send every query to this host[:port] (WHOCACHE_WHOIS_SERVER)")
	pf.StringVar(&cfg.MetricsFile, "metrics-file", "", "Write Prometheus metrics to this file at exit (WHOCACHE_METRICS_FILE)")
	pf.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Serve /metrics on this address while running (WHOCACHE_METRICS_ADDR)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cfg.VersionFlag {
			fmt.Fprintf(os.Stdout, "whocache %s (%s/%s)\n", cfg.Version, runtime.GOOS, runtime.GOARCH)
			return errExit0
		}

		formatStr, err := cfg.resolveFormatFlags(cmd)
		if err != nil {
			return err
		}
		cfg.outFormat = resolveFormat(formatStr, os.Stdout)

		if err := config.LoadDotEnv(cfg.EnvFile); err != nil {
			return usageErr(cmd, err)
		}
		env, err := config.Load()
		if err != nil {
			return usageErr(cmd, err)
		}
		cfg.applyFlags(cmd, &env)
		if err := env.Validate(); err != nil {
			return usageErr(cmd, err)
		}
		cfg.env = env

		logging.SetLevel(env.LogLevel)
		cfg.log = logging.New(os.Stderr, env.LogPretty, cfg.Quiet).With().
			Str("run_id", uuid.NewString()).
			Logger()
		cfg.metrics = metrics.New()
		return nil
	}

	root.AddCommand(newLookupCmd(cfg))
	root.AddCommand(newScanCmd(cfg))
	root.AddCommand(newCacheCmd(cfg))
	root.AddCommand(newCircuitCmd(cfg))

	return root
}

func (cfg *cliConfig) resolveFormatFlags(cmd *cobra.Command) (string, error) {
	formatStr := strings.ToLower(strings.TrimSpace(cfg.Format))
	if formatStr == "" {
		formatStr = "auto"
	}

	aliases := 0
	for _, set := range []bool{cfg.JSON, cfg.NDJSON, cfg.Plain} {
		if set {
			aliases++
		}
	}
	if aliases > 1 {
		return "", usageErr(cmd, fmt.Errorf("flags are mutually exclusive: --json, --ndjson, --plain"))
	}
	if formatStr != "auto" && aliases == 1 {
		return "", usageErr(cmd, fmt.Errorf("do not combine --format with --json/--ndjson/--plain"))
	}

	switch {
	case cfg.JSON:
		formatStr = "json"
	case cfg.NDJSON:
		formatStr = "ndjson"
	case cfg.Plain:
		formatStr = "plain"
	}
	return formatStr, nil
}

// applyFlags copies every explicitly set flag over the environment values.
func (cfg *cliConfig) applyFlags(cmd *cobra.Command, env *config.Config) {
	set := cmd.Flags().Changed
	if set("cache") {
		env.Cache = cfg.Cache
	}
	if set("log-level") {
		env.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	}
	if cfg.Verbose {
		env.LogLevel = "debug"
	}
	if set("direct") {
		env.Tor.Direct = cfg.Direct
	}
	if set("tor-socks") {
		env.Tor.SOCKSAddr = cfg.SOCKSAddr
	}
	if set("tor-control") {
		env.Tor.ControlAddr = cfg.ControlAddr
	}
	if set("timeout") {
		env.Whois.Timeout = cfg.Timeout
	}
	if set("concurrency") {
		env.Concurrency = cfg.Concurrency
	}
	if set("max-attempts") {
		env.MaxAttempts = cfg.MaxAttempts
	}
	if set("whois-server") {
		env.Whois.Server = cfg.WhoisServer
	}
	if set("metrics-file") {
		env.MetricsFile = cfg.MetricsFile
	}
	if set("metrics-addr") {
		env.MetricsAddr = cfg.MetricsAddr
	}
}

// withMetrics serves /metrics for the duration of fn when configured and
// dumps the textfile afterwards.
func (cfg *cliConfig) withMetrics(ctx context.Context, fn func() error) error {
	if addr := cfg.env.MetricsAddr; addr != "" {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := cfg.metrics.Serve(ctx, addr); err != nil {
				cfg.log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
			}
		}()
	}

	err := fn()

	if path := cfg.env.MetricsFile; path != "" {
		if werr := cfg.metrics.WriteTextfile(path); werr != nil {
			cfg.log.Error().Err(werr).Str("path", path).Msg("failed to write metrics file")
		}
	}
	return err
}
