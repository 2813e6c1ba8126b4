package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_NonexistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	if cfg.Anchoring.LogLimit != 100 {
		t.Errorf("default logLimit: expected 100, got %d", cfg.Anchoring.LogLimit)
	}
	if cfg.Anchoring.MinInterval != 6*time.Hour {
		t.Errorf("default minInterval: expected 6h, got %s", cfg.Anchoring.MinInterval)
	}
	if cfg.Anchoring.ForceAnchor {
		t.Error("default forceAnchor: expected false")
	}
	if cfg.Anchoring.Encoding != "pipe" {
		t.Errorf("default encoding: expected pipe, got %q", cfg.Anchoring.Encoding)
	}
	if cfg.Ledger.Network != "sepolia" || cfg.Ledger.Mode != "simulated" {
		t.Errorf("default ledger: got %s/%s", cfg.Ledger.Network, cfg.Ledger.Mode)
	}
	if cfg.Ledger.Timeout != 30*time.Second {
		t.Errorf("default ledger timeout: expected 30s, got %s", cfg.Ledger.Timeout)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("default store driver: expected sqlite, got %q", cfg.Store.Driver)
	}
	if cfg.Lock.Backend != "store" {
		t.Errorf("default lock backend: expected store, got %q", cfg.Lock.Backend)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 3200 {
		t.Errorf("default server: got %s:%d", cfg.Server.Host, cfg.Server.Port)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
log:
  level: debug
  format: json
store:
  driver: postgres
  databaseUrl: "postgres://anchor@localhost/portal"
ledger:
  network: polygon-amoy
  mode: http
  endpoint: "https://notary.example.com/v1/anchors"
  timeout: 45s
anchoring:
  logLimit: 250
  minInterval: 1h
  forceAnchor: true
  encoding: length-prefixed
lock:
  backend: redis
  redisUrl: "redis://localhost:6379/0"
  ttl: 5m
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log: got %+v", cfg.Log)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("driver: expected postgres, got %q", cfg.Store.Driver)
	}
	if cfg.Ledger.Network != "polygon-amoy" || cfg.Ledger.Timeout != 45*time.Second {
		t.Errorf("ledger: got %+v", cfg.Ledger)
	}
	if cfg.Anchoring.LogLimit != 250 || cfg.Anchoring.MinInterval != time.Hour || !cfg.Anchoring.ForceAnchor {
		t.Errorf("anchoring: got %+v", cfg.Anchoring)
	}
	if cfg.Anchoring.Encoding != "length-prefixed" {
		t.Errorf("encoding: got %q", cfg.Anchoring.Encoding)
	}
	if cfg.Lock.TTL != 5*time.Minute {
		t.Errorf("lock ttl: got %s", cfg.Lock.TTL)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
anchoring:
  logLimit: 20
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Anchoring.LogLimit != 20 {
		t.Errorf("logLimit: expected 20, got %d", cfg.Anchoring.LogLimit)
	}
	// Interval should retain its default.
	if cfg.Anchoring.MinInterval != 6*time.Hour {
		t.Errorf("minInterval should be default 6h, got %s", cfg.Anchoring.MinInterval)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AUDITANCHOR_ANCHORING_LOG_LIMIT", "7")
	t.Setenv("AUDITANCHOR_ANCHORING_FORCE_ANCHOR", "true")
	t.Setenv("AUDITANCHOR_ANCHORING_MIN_INTERVAL", "15m")
	t.Setenv("AUDITANCHOR_LEDGER_NETWORK", "holesky")
	t.Setenv("AUDITANCHOR_VERIFY_PAGE_SIZE", "250")
	t.Setenv("AUDITANCHOR_VERIFY_MAX_UPLOAD_BYTES", "1048576")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Anchoring.LogLimit != 7 {
		t.Errorf("logLimit: expected 7, got %d", cfg.Anchoring.LogLimit)
	}
	if !cfg.Anchoring.ForceAnchor {
		t.Error("forceAnchor: expected true")
	}
	if cfg.Anchoring.MinInterval != 15*time.Minute {
		t.Errorf("minInterval: expected 15m, got %s", cfg.Anchoring.MinInterval)
	}
	if cfg.Ledger.Network != "holesky" {
		t.Errorf("network: expected holesky, got %q", cfg.Ledger.Network)
	}
	if cfg.Verify.PageSize != 250 {
		t.Errorf("pageSize: expected 250, got %d", cfg.Verify.PageSize)
	}
	if cfg.Verify.MaxUploadBytes != 1<<20 {
		t.Errorf("maxUploadBytes: expected 1048576, got %d", cfg.Verify.MaxUploadBytes)
	}
}

func TestLoad_EnvOverrideInvalid(t *testing.T) {
	t.Setenv("AUDITANCHOR_ANCHORING_LOG_LIMIT", "lots")

	if _, err := Load(filepath.Join(t.TempDir(), "config.yaml")); err == nil {
		t.Error("expected error for non-numeric log limit")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }, true},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, true},
		{"postgres without url", func(c *Config) { c.Store.Driver = "postgres"; c.Lock.Backend = "none" }, true},
		{"http ledger without endpoint", func(c *Config) { c.Ledger.Mode = "http" }, true},
		{"zero ledger timeout", func(c *Config) { c.Ledger.Timeout = 0 }, true},
		{"negative log limit", func(c *Config) { c.Anchoring.LogLimit = -1 }, true},
		{"zero log limit allowed", func(c *Config) { c.Anchoring.LogLimit = 0 }, false},
		{"unknown encoding", func(c *Config) { c.Anchoring.Encoding = "base64" }, true},
		{"store lock with postgres", func(c *Config) {
			c.Store.Driver = "postgres"
			c.Store.DatabaseURL = "postgres://x"
		}, true},
		{"redis lock with postgres", func(c *Config) {
			c.Store.Driver = "postgres"
			c.Store.DatabaseURL = "postgres://x"
			c.Lock.Backend = "redis"
			c.Lock.RedisURL = "redis://localhost:6379/0"
		}, false},
		{"redis lock without url", func(c *Config) { c.Lock.Backend = "redis" }, true},
		{"port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"zero page size", func(c *Config) { c.Verify.PageSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := applyDefaults()
			tt.modify(cfg)
			err := validate(cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}

	if cfg.Anchoring.MinInterval != 6*time.Hour {
		t.Errorf("roundtrip minInterval: expected 6h, got %s", cfg.Anchoring.MinInterval)
	}
	if cfg.Ledger.Timeout != 30*time.Second {
		t.Errorf("roundtrip timeout: expected 30s, got %s", cfg.Ledger.Timeout)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { reloaded <- c })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("anchoring:\n  logLimit: 42\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// A truncating write can surface as more than one event; the first
	// may observe the empty file. Wait for the final content.
	deadline := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case cfg := <-reloaded:
			done = cfg.Anchoring.LogLimit == 42
		case <-deadline:
			t.Fatal("timed out waiting for config reload with logLimit 42")
		}
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close should be a no-op: %v", err)
	}
}
