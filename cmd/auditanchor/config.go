package main

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/carevault/auditanchor/internal/config"
)

// ============================================================
// config show / init / edit
// ============================================================

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and initialize configuration",
	Long: `Manage the auditanchor configuration. The config file lives at
~/.auditanchor/config.yaml and selects the store, the ledger network, the
anchoring policy and the run lock. Any value can be overridden with an
AUDITANCHOR_* environment variable or in ~/.auditanchor/.env.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Print the configuration after defaults and environment overrides are
applied. Secrets (ledger API key, database URL) are masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if _, err := os.Stat(configPath()); os.IsNotExist(err) {
			fmt.Printf("# No config file at %s, showing defaults.\n", configPath())
		}
		cfg.Ledger.APIKey = mask(cfg.Ledger.APIKey)
		cfg.Store.DatabaseURL = mask(cfg.Store.DatabaseURL)
		cfg.Lock.RedisURL = mask(cfg.Lock.RedisURL)
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("[auditanchor] Wrote %s\n", path)
		return nil
	},
}

// configEditCmd opens the config file in $EDITOR or $VISUAL.
var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config in editor",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()

		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = os.Getenv("VISUAL")
		}
		if editor == "" {
			if runtime.GOOS == "windows" {
				editor = "notepad"
			} else {
				editor = "vi"
			}
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.MkdirAll(configDir, 0o755); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			if err := config.WriteDefault(path); err != nil {
				return fmt.Errorf("failed to create default config: %w", err)
			}
		}

		fmt.Printf("[auditanchor] Opening %s in %s...\n", path, editor)
		editorCmd := exec.Command(editor, path)
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		return editorCmd.Run()
	},
}

// mask hides all but the last four characters of a secret.
func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configEditCmd)
}
