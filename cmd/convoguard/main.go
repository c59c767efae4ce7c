// Package main implements the convoguard CLI: a multi-tenant conversation
// orchestrator with staged scripts, weighted model routing, and a
// fail-closed content-safety pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"convoguard/internal/config"
	"convoguard/internal/logging"
)

var (
	// Global flags
	configPath string
	tenantName string
	verbose    bool

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "convoguard",
	Short: "convoguard - staged conversation orchestration with audited replies",
	Long: `convoguard runs scripted, multi-stage customer conversations where every
outbound reply passes keyword screens, a deterministic style guard, and
LLM judge verdicts before it is sent. Failing any check yields a safe
fallback, never the rejected text.

Run "convoguard serve" for the interactive console loop, or
"convoguard ask" for a single audited turn.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env first so file config can be overridden by real env vars.
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if verbose {
			cfg.Logging.Debug = true
		}

		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
		return logging.Initialize(cfg.DataDir, logging.Options{
			Debug:      cfg.Logging.Debug,
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.JSONFormat,
			Categories: cfg.Logging.Categories,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "convoguard.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVarP(&tenantName, "tenant", "t", "default", "Tenant to operate as")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
