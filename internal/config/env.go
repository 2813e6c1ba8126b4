package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envPrefix namespaces every override, e.g. AUDITANCHOR_LEDGER_NETWORK.
const envPrefix = "AUDITANCHOR"

// envBinding ties one config key (dotted, snake_case) to the field it
// overrides. Keys map to env vars by upper-casing and replacing '.' with
// '_': "anchoring.log_limit" -> AUDITANCHOR_ANCHORING_LOG_LIMIT.
type envBinding struct {
	key   string
	apply func(cfg *Config, raw string) error
}

var envBindings = []envBinding{
	{"log.level", setString(func(c *Config) *string { return &c.Log.Level })},
	{"log.format", setString(func(c *Config) *string { return &c.Log.Format })},

	{"store.driver", setString(func(c *Config) *string { return &c.Store.Driver })},
	{"store.path", setString(func(c *Config) *string { return &c.Store.Path })},
	{"store.database_url", setString(func(c *Config) *string { return &c.Store.DatabaseURL })},
	{"store.max_conns", setInt32(func(c *Config) *int32 { return &c.Store.MaxConns })},
	{"store.min_conns", setInt32(func(c *Config) *int32 { return &c.Store.MinConns })},

	{"ledger.network", setString(func(c *Config) *string { return &c.Ledger.Network })},
	{"ledger.mode", setString(func(c *Config) *string { return &c.Ledger.Mode })},
	{"ledger.endpoint", setString(func(c *Config) *string { return &c.Ledger.Endpoint })},
	{"ledger.api_key", setString(func(c *Config) *string { return &c.Ledger.APIKey })},
	{"ledger.timeout", setDuration(func(c *Config) *time.Duration { return &c.Ledger.Timeout })},
	{"ledger.deterministic", setBool(func(c *Config) *bool { return &c.Ledger.Deterministic })},

	{"anchoring.log_limit", setInt(func(c *Config) *int { return &c.Anchoring.LogLimit })},
	{"anchoring.force_anchor", setBool(func(c *Config) *bool { return &c.Anchoring.ForceAnchor })},
	{"anchoring.min_interval", setDuration(func(c *Config) *time.Duration { return &c.Anchoring.MinInterval })},
	{"anchoring.encoding", setString(func(c *Config) *string { return &c.Anchoring.Encoding })},
	{"anchoring.report_dir", setString(func(c *Config) *string { return &c.Anchoring.ReportDir })},

	{"lock.backend", setString(func(c *Config) *string { return &c.Lock.Backend })},
	{"lock.redis_url", setString(func(c *Config) *string { return &c.Lock.RedisURL })},
	{"lock.ttl", setDuration(func(c *Config) *time.Duration { return &c.Lock.TTL })},

	{"server.host", setString(func(c *Config) *string { return &c.Server.Host })},
	{"server.port", setInt(func(c *Config) *int { return &c.Server.Port })},

	{"verify.page_size", setInt(func(c *Config) *int { return &c.Verify.PageSize })},
	{"verify.max_upload_bytes", setInt64(func(c *Config) *int64 { return &c.Verify.MaxUploadBytes })},
}

// applyEnv overlays AUDITANCHOR_* environment variables onto cfg.
// Values that fail to parse are reported rather than silently zeroed.
func applyEnv(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, b := range envBindings {
		if err := v.BindEnv(b.key); err != nil {
			return fmt.Errorf("binding %s: %w", b.key, err)
		}
	}

	for _, b := range envBindings {
		if !v.IsSet(b.key) {
			continue
		}
		if err := b.apply(cfg, v.GetString(b.key)); err != nil {
			return fmt.Errorf("%s_%s: %w", envPrefix, strings.ToUpper(strings.ReplaceAll(b.key, ".", "_")), err)
		}
	}
	return nil
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, raw string) error {
		*field(c) = raw
		return nil
	}
}

func setInt(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, raw string) error {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func setInt32(field func(*Config) *int32) func(*Config, string) error {
	return func(c *Config, raw string) error {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 32)
		if err != nil {
			return err
		}
		*field(c) = int32(n)
		return nil
	}
}

func setInt64(field func(*Config) *int64) func(*Config, string) error {
	return func(c *Config, raw string) error {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func setBool(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, raw string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func setDuration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, raw string) error {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}
