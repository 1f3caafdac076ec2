package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the HTTP API and the
// background sweeper.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the intentgate server",
		Long: `Start the intentgate HTTP API.

The server will:
1. Load configuration from the specified file (or intentgate.yaml)
2. Open the intent store selected by database.driver
3. Build the executors configured under executors:
4. Start the expiry sweeper unless intents.sweep_enabled is false
5. Serve the API, /metrics and /healthz

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  intentgate serve

  # Start with custom config and debug logging
  intentgate serve --config /etc/intentgate/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd.ErrOrStderr(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

// =============================================================================
// Migration Commands
// =============================================================================

// buildMigrateCmd creates the "migrate" command group.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
		Long: `Manage the Cockroach/Postgres schema for pending intents.

SQLite databases receive their schema when they are opened; Redis needs none.`,
	}
	cmd.AddCommand(buildMigrateUpCmd(), buildMigrateDownCmd(), buildMigrateStatusCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd, configPath, steps)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations to apply (0 = all)")
	return cmd
}

func buildMigrateDownCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateDown(cmd, configPath, steps)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Intent Maintenance Commands
// =============================================================================

// buildSweepCmd creates the "sweep" command that runs one expiry sweep.
func buildSweepCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale pending intents once and report stuck ones",
		Long: `Run a single sweep: every pending intent past its expiry moves to expired,
and executing intents older than intents.stuck_after are listed.

Use this from an external scheduler when the in-process sweeper is disabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

// buildIntentsCmd creates the "intents" command group.
func buildIntentsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "intents",
		Short: "Inspect and repair pending intents",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.AddCommand(
		buildIntentsListCmd(&configPath),
		buildIntentsShowCmd(&configPath),
		buildIntentsCancelCmd(&configPath),
		buildIntentsStuckCmd(&configPath),
		buildIntentsFailStuckCmd(&configPath),
	)
	return cmd
}

func buildIntentsListCmd(configPath *string) *cobra.Command {
	var (
		sessionID  string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a session's live pending intents",
		Example: `  intentgate intents list --session s-123
  intentgate intents list --session s-123 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntentsList(cmd, *configPath, sessionID, jsonOutput)
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session ID (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func buildIntentsShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <intent-id>",
		Short: "Show an intent in any state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntentsShow(cmd, *configPath, args[0])
		},
	}
}

func buildIntentsCancelCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <intent-id>",
		Short: "Cancel a pending intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntentsCancel(cmd, *configPath, args[0])
		},
	}
}

func buildIntentsStuckCmd(configPath *string) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "List intents that have been executing for too long",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntentsStuck(cmd, *configPath, olderThan)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Executing age to report (default: intents.stuck_after)")
	return cmd
}

func buildIntentsFailStuckCmd(configPath *string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail-stuck <intent-id>",
		Short: "Mark an executing intent as failed after manual review",
		Long: `Move an intent that is stuck in executing to failed.

Check the downstream system first: the executor may have completed the side
effect without reporting back. A failed intent is never executed again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntentsFailStuck(cmd, *configPath, args[0], reason)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Note recorded on the intent")
	return cmd
}

// =============================================================================
// Utility Commands
// =============================================================================

// buildClassifyCmd creates the "classify" command for checking how a reply
// would be read.
func buildClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <message>",
		Short: "Show how a user reply is classified",
		Example: `  intentgate classify "sim, pode mandar"
  intentgate classify "#2"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClassify(cmd, strings.Join(args, " "))
		},
	}
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	var configPath string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}
	validate.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")

	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}

	cmd.AddCommand(validate, schema)
	return cmd
}

// buildTokenCmd creates the "token" command that issues API tokens.
func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		subject    string
		sessions   []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a JWT for the HTTP API",
		Long: `Issue a JWT signed with auth.jwt_secret.

Without --session the token may act on every session.`,
		Example: `  intentgate token --subject whatsapp-bot
  intentgate token --subject support --session s-1 --session s-2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, configPath, subject, sessions)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (required)")
	cmd.Flags().StringArrayVar(&sessions, "session", nil, "Restrict the token to a session (repeatable)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
