// Package config handles loading, validating, and writing the auditanchor
// configuration from ~/.auditanchor/config.yaml.
//
// The config defines:
//   - Logging level and format
//   - Where audit records and anchors are stored (embedded SQLite or Postgres)
//   - Which ledger network anchors are committed to, and how
//   - The anchoring policy (batch size, re-anchor interval, force override)
//   - The run lock that keeps two scheduler invocations from overlapping
//   - The verification HTTP API bind address
//
// Environment variables prefixed with AUDITANCHOR_ override file values
// (see env.go).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level auditanchor configuration.
// Loaded from config.yaml, with defaults for every field not set.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Anchoring AnchoringConfig `yaml:"anchoring"`
	Lock      LockConfig      `yaml:"lock"`
	Server    ServerConfig    `yaml:"server"`
	Verify    VerifyConfig    `yaml:"verify"`
}

// LogConfig controls the process-wide slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// StoreConfig selects the persistence backend for audit records and anchors.
//
// Driver "sqlite" keeps everything in a single local database file (Path,
// default <config-dir>/auditanchor.db). Driver "postgres" connects to
// DatabaseURL with a pgx connection pool.
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"databaseUrl"`
	MaxConns    int32  `yaml:"maxConns"`
	MinConns    int32  `yaml:"minConns"`
}

// LedgerConfig selects the notarization backend anchors are committed to.
//
// Mode "simulated" generates transaction references locally without any
// network call; Deterministic makes them reproducible. Mode "http" submits
// digests to a notarization service at Endpoint.
//
// Timeout bounds a single commit. A commit exceeding it fails the run.
type LedgerConfig struct {
	Network       string        `yaml:"network"`
	Mode          string        `yaml:"mode"`
	Endpoint      string        `yaml:"endpoint"`
	APIKey        string        `yaml:"apiKey"`
	Timeout       time.Duration `yaml:"timeout"`
	Deterministic bool          `yaml:"deterministic"`
}

// AnchoringConfig is the scheduler policy.
//
// LogLimit caps records per run. MinInterval skips runs within that window
// of the last anchor unless ForceAnchor is set. ForceAnchor also anchors an
// empty batch instead of skipping it. Encoding selects the canonical batch
// serialization ("pipe" or "length-prefixed").
type AnchoringConfig struct {
	LogLimit    int           `yaml:"logLimit"`
	ForceAnchor bool          `yaml:"forceAnchor"`
	MinInterval time.Duration `yaml:"minInterval"`
	Encoding    string        `yaml:"encoding"`
	ReportDir   string        `yaml:"reportDir"`
}

// LockConfig selects how overlapping anchoring runs are prevented.
//
// Backend "store" leases through the SQLite store, "redis" uses a Redis key
// with a TTL (for several hosts sharing one Postgres), "none" disables the
// lock. TTL bounds how long a crashed run can block the next one.
type LockConfig struct {
	Backend  string        `yaml:"backend"`
	RedisURL string        `yaml:"redisUrl"`
	TTL      time.Duration `yaml:"ttl"`
}

// ServerConfig defines where the verification API listens.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// VerifyConfig tunes verification lookups and uploads.
type VerifyConfig struct {
	PageSize       int   `yaml:"pageSize"`
	MaxUploadBytes int64 `yaml:"maxUploadBytes"`
}

// Load reads and parses config.yaml from the given path, then applies
// AUDITANCHOR_* environment overrides.
// If the file doesn't exist, defaults are used (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `auditanchor config init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# auditanchor configuration
#
# store:
#   driver: sqlite (local file) or postgres (databaseUrl)
#
# ledger:
#   network: ledger network anchors are committed to
#   mode: simulated (local tx references) or http (notarization endpoint)
#   timeout: maximum time for a single ledger commit
#
# anchoring:
#   logLimit: max audit records per run
#   minInterval: runs within this window of the last anchor are skipped
#   forceAnchor: bypass the interval and empty-batch skips
#   encoding: pipe (compatible) or length-prefixed (unambiguous)
#
# lock:
#   backend: store, redis, or none
#
# Every value can be overridden with AUDITANCHOR_<SECTION>_<KEY>,
# e.g. AUDITANCHOR_ANCHORING_LOG_LIMIT=250.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Driver:   "sqlite",
			MaxConns: 10,
			MinConns: 1,
		},
		Ledger: LedgerConfig{
			Network: "sepolia",
			Mode:    "simulated",
			Timeout: 30 * time.Second,
		},
		Anchoring: AnchoringConfig{
			LogLimit:    100,
			MinInterval: 6 * time.Hour,
			Encoding:    "pipe",
		},
		Lock: LockConfig{
			Backend: "store",
			TTL:     10 * time.Minute,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
		},
		Verify: VerifyConfig{
			PageSize:       500,
			MaxUploadBytes: 50 << 20,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn, or error", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("log.format %q must be text or json", cfg.Log.Format)
	}

	switch cfg.Store.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return fmt.Errorf("store.databaseUrl is required for the postgres driver")
		}
		if cfg.Store.MaxConns < 1 || cfg.Store.MinConns < 0 || cfg.Store.MinConns > cfg.Store.MaxConns {
			return fmt.Errorf("store.maxConns/minConns out of range (%d/%d)", cfg.Store.MaxConns, cfg.Store.MinConns)
		}
	default:
		return fmt.Errorf("store.driver %q must be sqlite or postgres", cfg.Store.Driver)
	}

	if cfg.Ledger.Network == "" {
		return fmt.Errorf("ledger.network must not be empty")
	}
	switch cfg.Ledger.Mode {
	case "simulated":
	case "http":
		if cfg.Ledger.Endpoint == "" {
			return fmt.Errorf("ledger.endpoint is required in http mode")
		}
	default:
		return fmt.Errorf("ledger.mode %q must be simulated or http", cfg.Ledger.Mode)
	}
	if cfg.Ledger.Timeout <= 0 {
		return fmt.Errorf("ledger.timeout must be positive")
	}

	if cfg.Anchoring.LogLimit < 0 {
		return fmt.Errorf("anchoring.logLimit must be non-negative")
	}
	if cfg.Anchoring.MinInterval < 0 {
		return fmt.Errorf("anchoring.minInterval must be non-negative")
	}
	if cfg.Anchoring.Encoding != "pipe" && cfg.Anchoring.Encoding != "length-prefixed" {
		return fmt.Errorf("anchoring.encoding %q must be pipe or length-prefixed", cfg.Anchoring.Encoding)
	}

	switch cfg.Lock.Backend {
	case "none":
	case "store":
		if cfg.Store.Driver != "sqlite" {
			return fmt.Errorf("lock.backend store requires the sqlite driver (use redis with postgres)")
		}
	case "redis":
		if cfg.Lock.RedisURL == "" {
			return fmt.Errorf("lock.redisUrl is required for the redis lock backend")
		}
	default:
		return fmt.Errorf("lock.backend %q must be store, redis, or none", cfg.Lock.Backend)
	}
	if cfg.Lock.Backend != "none" && cfg.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be positive")
	}

	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	if cfg.Verify.PageSize < 1 {
		return fmt.Errorf("verify.pageSize must be positive")
	}
	if cfg.Verify.MaxUploadBytes < 1 {
		return fmt.Errorf("verify.maxUploadBytes must be positive")
	}

	return nil
}
