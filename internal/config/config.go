// Package config loads whocache settings from the environment (and an
// optional .env file) with defaults and validation. Command-line flags are
// applied on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/benithors/whocache/internal/tor"
)

const envPrefix = "WHOCACHE_"

type TorConfig struct {
	SOCKSAddr       string        // WHOCACHE_TOR_SOCKS_ADDR
	ControlAddr     string        // WHOCACHE_TOR_CONTROL_ADDR
	ControlPassword string        // WHOCACHE_TOR_CONTROL_PASSWORD
	ControlTimeout  time.Duration // WHOCACHE_TOR_CONTROL_TIMEOUT
	Direct          bool          // WHOCACHE_DIRECT; no proxy, rotation is a no-op
}

type WhoisConfig struct {
	Server           string        // WHOCACHE_WHOIS_SERVER pins every query to one host[:port]
	Timeout          time.Duration // WHOCACHE_QUERY_TIMEOUT
	Retries          int           // WHOCACHE_QUERY_RETRIES, transport errors only
	MinDelay         time.Duration // WHOCACHE_WHOIS_MIN_DELAY between queries to one server
	RateLimitMarkers []string      // WHOCACHE_RATE_LIMIT_MARKERS, comma separated
}

type Config struct {
	Cache       string // WHOCACHE_CACHE: SQLite path or redis:// URL
	MaxAttempts int    // WHOCACHE_MAX_ATTEMPTS
	Concurrency int    // WHOCACHE_CONCURRENCY

	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool

	MetricsFile string // textfile-collector dump written at exit
	MetricsAddr string // host:port serving /metrics during a run

	Tor   TorConfig
	Whois WhoisConfig
}

// LoadDotEnv reads path (default ".env") into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		Cache:       getenv("CACHE", "whois.cache"),
		MaxAttempts: getint("MAX_ATTEMPTS", 3),
		Concurrency: getint("CONCURRENCY", 1),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		MetricsFile: getenv("METRICS_FILE", ""),
		MetricsAddr: getenv("METRICS_ADDR", ""),

		Tor: TorConfig{
			SOCKSAddr:       getenv("TOR_SOCKS_ADDR", tor.DefaultSOCKSAddr),
			ControlAddr:     getenv("TOR_CONTROL_ADDR", tor.DefaultControlAddr),
			ControlPassword: getenv("TOR_CONTROL_PASSWORD", ""),
			ControlTimeout:  getdur("TOR_CONTROL_TIMEOUT", 15*time.Second),
			Direct:          getbool("DIRECT", false),
		},
		Whois: WhoisConfig{
			Server:           getenv("WHOIS_SERVER", ""),
			Timeout:          getdur("QUERY_TIMEOUT", 30*time.Second),
			Retries:          getint("QUERY_RETRIES", 0),
			MinDelay:         getdur("WHOIS_MIN_DELAY", 0),
			RateLimitMarkers: splitCSV(getenv("RATE_LIMIT_MARKERS", "")),
		},
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	return cfg, cfg.Validate()
}

// Validate is also run by the CLI after flags are applied.
func (c Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(c.Cache) == "" {
		return errors.New("CACHE must not be empty")
	}
	if c.MaxAttempts < 1 {
		return errors.New("MAX_ATTEMPTS must be >= 1")
	}
	if c.Concurrency < 1 {
		return errors.New("CONCURRENCY must be >= 1")
	}
	if c.Whois.Timeout <= 0 || c.Tor.ControlTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if c.Whois.Retries < 0 {
		return errors.New("QUERY_RETRIES must be >= 0")
	}
	if c.Whois.MinDelay < 0 {
		return errors.New("WHOIS_MIN_DELAY must be >= 0")
	}
	if !c.Tor.Direct {
		if strings.TrimSpace(c.Tor.SOCKSAddr) == "" || strings.TrimSpace(c.Tor.ControlAddr) == "" {
			return errors.New("TOR_SOCKS_ADDR and TOR_CONTROL_ADDR must not be empty")
		}
	}
	return nil
}

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(envPrefix + k); ok && v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(envPrefix + k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(envPrefix + k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(envPrefix + k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
