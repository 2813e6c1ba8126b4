package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carevault/auditanchor/internal/config"
	"github.com/carevault/auditanchor/internal/logging"
	"github.com/carevault/auditanchor/internal/server"
	"github.com/carevault/auditanchor/internal/verify"
)

// ============================================================
// serve
// ============================================================

var (
	serveSchedule time.Duration
	servePort     int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the verification API, optionally anchoring on a schedule",
	Long: `Start the HTTP API:

  POST /api/verify              verify a digest (JSON) or an uploaded file
  GET  /api/anchors             list anchors
  GET  /api/anchors/latest      latest anchor
  GET  /api/anchors/pending     unresolved ledger commits
  GET  /api/runs/latest         latest anchoring run report
  GET  /api/runs/ws             websocket feed of run reports
  GET  /health                  store connectivity

With --schedule the anchoring scheduler runs in-process at that interval.
Edits to config.yaml are picked up without a restart (anchoring policy and
log level).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		srv := server.New(server.Options{
			Anchors:        a.anchors,
			Verifier:       verify.New(a.anchors, verify.WithPageSize(cfg.Verify.PageSize)),
			Reports:        a.sink,
			Health:         a.pinger,
			MaxUploadBytes: cfg.Verify.MaxUploadBytes,
			Logger:         accessLogger(cfg.Log),
		})
		defer srv.Close()

		p, err := policy(cfg)
		if err != nil {
			return err
		}
		sched, err := a.scheduler(p, srv.Broadcast)
		if err != nil {
			return err
		}

		watcher, err := config.NewWatcher(configPath(), func(next *config.Config) {
			logging.SetLevel(next.Log.Level)
			np, err := policy(next)
			if err != nil {
				slog.Warn("ignoring anchoring config change", "error", err)
				return
			}
			sched.SetPolicy(np)
			slog.Info("anchoring policy reloaded",
				"logLimit", np.LogLimit,
				"minInterval", np.MinInterval,
				"forceAnchor", np.ForceAnchor,
			)
		})
		if err != nil {
			slog.Warn("config hot-reload disabled", "error", err)
		} else {
			defer watcher.Close()
		}

		if serveSchedule > 0 {
			go sched.Loop(ctx, serveSchedule)
			slog.Info("anchoring scheduled", "interval", serveSchedule)
		}

		addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
		fmt.Printf("[auditanchor] Serving on http://%s\n", addr)
		return srv.ListenAndServe(ctx, addr)
	},
}

// accessLogger builds the zerolog logger used for HTTP access logs, at the
// same level as the process slog handler.
func accessLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Format == "json" {
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("component", "api").Logger()
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(w).Level(level).With().Timestamp().Str("component", "api").Logger()
}

func init() {
	serveCmd.Flags().DurationVar(&serveSchedule, "schedule", 0, "Run the anchoring scheduler at this interval (0 disables)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default server.port)")
}
