// Package logging installs the process-wide slog handler from config.
package logging

import (
	"io"
	"log/slog"
	"strings"

	"github.com/carevault/auditanchor/internal/config"
)

// level is shared by every handler Setup installs so SetLevel can change
// verbosity on config reload without rebuilding the handler.
var level = new(slog.LevelVar)

// Setup builds a text or JSON handler writing to w, makes it the slog
// default, and returns the logger.
func Setup(w io.Writer, cfg config.LogConfig) *slog.Logger {
	SetLevel(cfg.Level)

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// SetLevel updates the active log level. Unknown names fall back to info.
func SetLevel(name string) {
	level.Set(ParseLevel(name))
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
