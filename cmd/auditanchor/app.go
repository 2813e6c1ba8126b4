package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/carevault/auditanchor/internal/anchor"
	"github.com/carevault/auditanchor/internal/audit"
	"github.com/carevault/auditanchor/internal/config"
	"github.com/carevault/auditanchor/internal/ledger"
	"github.com/carevault/auditanchor/internal/lock"
	"github.com/carevault/auditanchor/internal/store/postgres"
	"github.com/carevault/auditanchor/internal/store/sqlite"
)

// app bundles the collaborators every command needs.
type app struct {
	cfg     *config.Config
	records audit.Store
	anchors anchor.Store
	pinger  interface {
		Ping(ctx context.Context) error
	}
	locker  lock.Locker
	sink    *anchor.FileSink
	closers []func()
}

// openApp opens the store, run lock and report sink selected by cfg.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	a := &app{cfg: cfg}

	switch cfg.Store.Driver {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns, cfg.Store.MinConns)
		if err != nil {
			return nil, err
		}
		s := postgres.New(pool)
		a.closers = append(a.closers, s.Close)
		if err := s.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.records, a.anchors, a.pinger = s, s, s
		slog.Debug("store opened", "driver", "postgres")

	default:
		path := cfg.Store.Path
		if path == "" {
			path = filepath.Join(configDir, "auditanchor.db")
		}
		s, err := sqlite.Open(path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { s.Close() })
		a.records, a.anchors, a.pinger = s, s, s
		if cfg.Lock.Backend == "store" {
			a.locker = s
		}
		slog.Debug("store opened", "driver", "sqlite", "path", path)
	}

	if cfg.Lock.Backend == "redis" {
		r, err := lock.NewRedis(ctx, cfg.Lock.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { r.Close() })
		a.locker = r
	}

	sink, err := anchor.NewFileSink(reportDir(cfg))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.sink = sink

	return a, nil
}

// reportDir is anchoring.reportDir, or <config-dir>/reports when unset or
// when no config could be loaded.
func reportDir(cfg *config.Config) string {
	if cfg != nil && cfg.Anchoring.ReportDir != "" {
		return cfg.Anchoring.ReportDir
	}
	return filepath.Join(configDir, "reports")
}

// Close releases everything openApp opened, in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// policy translates the anchoring config into a scheduler policy.
func policy(cfg *config.Config) (anchor.Policy, error) {
	enc, err := audit.ParseEncoding(cfg.Anchoring.Encoding)
	if err != nil {
		return anchor.Policy{}, err
	}
	return anchor.Policy{
		LogLimit:      cfg.Anchoring.LogLimit,
		ForceAnchor:   cfg.Anchoring.ForceAnchor,
		MinInterval:   cfg.Anchoring.MinInterval,
		CommitTimeout: cfg.Ledger.Timeout,
		Encoding:      enc,
	}, nil
}

// scheduler builds a scheduler over the app's stores and the configured
// ledger.
func (a *app) scheduler(p anchor.Policy, onReport func(anchor.Report)) (*anchor.Scheduler, error) {
	client, err := ledger.New(a.cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ledger client: %w", err)
	}
	return anchor.NewScheduler(anchor.Options{
		Records:  a.records,
		Anchors:  a.anchors,
		Ledger:   client,
		Locker:   a.locker,
		LockTTL:  a.cfg.Lock.TTL,
		Sink:     a.sink,
		Policy:   p,
		Logger:   slog.Default(),
		OnReport: onReport,
	}), nil
}
