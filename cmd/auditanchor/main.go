// Package main is the CLI entry point for auditanchor, the tamper-evidence
// pipeline of the patient portal's audit log.
//
// Audit records are hashed in batches and each digest is committed to an
// external ledger. Anyone holding an export of the log (or just its digest)
// can later check it against the anchored history.
//
//	records ──► HashBatch ──► ledger.Submit ──► hash_anchors + blockchain_anchors
//	                                                     ▲
//	verify --hash / --file ──────────────────────────────┘
//
// CLI commands (cobra):
//
//	auditanchor anchor run        - Run one anchoring pass (cron entry point)
//	auditanchor verify            - Verify a digest, tx reference, or file
//	auditanchor anchors           - List anchors and pending commits
//	auditanchor records           - Append, query and export audit records
//	auditanchor serve             - HTTP API, optionally with periodic anchoring
//	auditanchor config            - Show or initialize configuration
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/carevault/auditanchor/internal/config"
	"github.com/carevault/auditanchor/internal/logging"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

// Exit codes shared by every command.
const (
	exitOK       = 0
	exitFailure  = 1 // run FAILED, or hash not found
	exitInfraErr = 2 // verification could not be performed
)

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// defaultConfigDir returns ~/.auditanchor, where config.yaml, .env, the
// SQLite database and run reports live.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".auditanchor"
	}
	return filepath.Join(home, ".auditanchor")
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(os.Stderr, "[auditanchor] %v\n", ee.err)
		}
		os.Exit(ee.code)
	}
	fmt.Fprintf(os.Stderr, "[auditanchor] %v\n", err)
	os.Exit(exitFailure)
}

// configDir is the global --config-dir flag.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "auditanchor",
	Short: "Anchor audit log batches to a ledger and verify them",
	Long: `auditanchor makes the portal's audit log tamper-evident. Each run hashes
the records written since the last anchor and commits the digest to a
ledger network. Exports and digests can later be verified against the
anchored history.

Schedule 'auditanchor anchor run' from cron, or run 'auditanchor serve
--schedule 6h' to anchor in-process.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env values never override variables already set in the environment.
		envPath := filepath.Join(configDir, ".env")
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("loading %s: %w", envPath, err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to auditanchor config and state directory",
	)

	rootCmd.AddCommand(anchorCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(anchorsCmd)
	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

func configPath() string {
	return filepath.Join(configDir, "config.yaml")
}

// loadConfig loads config.yaml and installs the process logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logging.Setup(os.Stderr, cfg.Log)
	return cfg, nil
}

// withApp loads config, opens the configured stores and runs fn.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
