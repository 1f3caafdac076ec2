// Package main provides the CLI entry point for intentgate, the confirmation
// gate that sits between an assistant's proposed side effects and their
// execution.
//
// # Basic Usage
//
// Start the server:
//
//	intentgate serve --config intentgate.yaml
//
// Manage database migrations (Cockroach/Postgres):
//
//	intentgate migrate up
//	intentgate migrate status
//
// Inspect and repair intents:
//
//	intentgate intents list --session s-123
//	intentgate intents stuck
//	intentgate intents fail-stuck <id> --reason "provider timed out"
//
// # Environment Variables
//
//   - INTENTGATE_CONFIG: Path to configuration file (default: intentgate.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "intentgate",
		Short: "intentgate - confirmation gate for assistant side effects",
		Long: `intentgate stores side-effecting actions proposed by an assistant as pending
intents, resolves the user's reply ("yes", "no", "2") to one of them, and
executes a confirmed intent exactly once.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildSweepCmd(),
		buildIntentsCmd(),
		buildClassifyCmd(),
		buildConfigCmd(),
		buildTokenCmd(),
	)
	return rootCmd
}
