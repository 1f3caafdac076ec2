package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/intentgate/internal/auth"
	"github.com/haasonsaas/intentgate/internal/config"
	"github.com/haasonsaas/intentgate/internal/gateway"
	"github.com/haasonsaas/intentgate/internal/intents"
	"github.com/haasonsaas/intentgate/internal/resolver"
	"github.com/haasonsaas/intentgate/pkg/models"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe wires the engine, starts the HTTP server and sweeper, and blocks
// until a shutdown signal or a server error.
func runServe(ctx context.Context, logOut io.Writer, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg, logOut, debug)
	logger.Info("starting intentgate",
		"version", version,
		"commit", commit,
		"config", resolveConfigPath(configPath),
		"driver", cfg.Database.Driver,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer closeCancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()

	var sweeper *intents.Sweeper
	if cfg.Intents.SweepEnabled == nil || *cfg.Intents.SweepEnabled {
		sweeper, err = a.sweeper()
		if err != nil {
			return err
		}
		if err := sweeper.Start(ctx); err != nil {
			return fmt.Errorf("start sweeper: %w", err)
		}
	}

	server := gateway.NewServer(gateway.ServerConfig{
		Addr:         cfg.Server.Addr(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Logger:       logger.With("component", "http-server"),
	}, a.handler())
	if err := server.Start(); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, initiating graceful shutdown")
	case serveErr = <-server.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, fmt.Errorf("shutdown failed: %w", err))
	}
	if sweeper != nil {
		if err := sweeper.Stop(shutdownCtx); err != nil {
			serveErr = errors.Join(serveErr, fmt.Errorf("stop sweeper: %w", err))
		}
	}
	if serveErr != nil {
		return serveErr
	}
	logger.Info("intentgate stopped gracefully")
	return nil
}

// =============================================================================
// Migration Command Handlers
// =============================================================================

func newMigrator(configPath string) (*intents.Migrator, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := openMigrationDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	migrator, err := intents.NewMigrator(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return migrator, func() { _ = db.Close() }, nil
}

// runMigrateUp handles the migrate up command.
func runMigrateUp(cmd *cobra.Command, configPath string, steps int) error {
	migrator, closeDB, err := newMigrator(configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	applied, err := migrator.Up(cmd.Context(), steps)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(applied) == 0 {
		fmt.Fprintln(out, "No pending migrations.")
		return nil
	}
	for _, id := range applied {
		fmt.Fprintf(out, "Applied %s\n", id)
	}
	return nil
}

// runMigrateDown handles the migrate down command.
func runMigrateDown(cmd *cobra.Command, configPath string, steps int) error {
	migrator, closeDB, err := newMigrator(configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	slog.Warn("rolling back migrations", "steps", steps)
	rolled, err := migrator.Down(cmd.Context(), steps)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(rolled) == 0 {
		fmt.Fprintln(out, "No migrations to roll back.")
		return nil
	}
	for _, id := range rolled {
		fmt.Fprintf(out, "Rolled back %s\n", id)
	}
	return nil
}

// runMigrateStatus handles the migrate status command.
func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	migrator, closeDB, err := newMigrator(configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	applied, pending, err := migrator.Status(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Migration Status")
	fmt.Fprintln(out, "================")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Applied migrations:")
	if len(applied) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, entry := range applied {
		fmt.Fprintf(out, "  - %s (%s)\n", entry.ID, entry.AppliedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Pending migrations:")
	if len(pending) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, entry := range pending {
		fmt.Fprintf(out, "  - %s\n", entry.ID)
	}
	return nil
}

// =============================================================================
// Intent Maintenance Handlers
// =============================================================================

// withApp loads the configuration, wires the engine and runs fn against it.
// Maintenance commands log to stderr so their stdout stays parseable.
func withApp(cmd *cobra.Command, configPath string, fn func(*app) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg, cmd.ErrOrStderr(), false)
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()
	return fn(a)
}

// runSweep handles the sweep command.
func runSweep(cmd *cobra.Command, configPath string) error {
	return withApp(cmd, configPath, func(a *app) error {
		sweeper, err := a.sweeper()
		if err != nil {
			return err
		}
		report, err := sweeper.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Expired %d intent(s).\n", report.Expired)
		if len(report.Stuck) > 0 {
			fmt.Fprintf(out, "%d intent(s) stuck in executing:\n", len(report.Stuck))
			for _, id := range report.Stuck {
				fmt.Fprintf(out, "  - %s\n", id)
			}
		}
		return nil
	})
}

// runIntentsList handles the intents list command.
func runIntentsList(cmd *cobra.Command, configPath, sessionID string, jsonOutput bool) error {
	return withApp(cmd, configPath, func(a *app) error {
		pending, err := a.service.ListPending(cmd.Context(), sessionID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), pending)
		}
		if len(pending) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pending intents.")
			return nil
		}
		printIntents(cmd.OutOrStdout(), pending)
		return nil
	})
}

// runIntentsShow handles the intents show command.
func runIntentsShow(cmd *cobra.Command, configPath, id string) error {
	return withApp(cmd, configPath, func(a *app) error {
		intent, err := a.service.GetIntent(cmd.Context(), id)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), intent)
	})
}

// runIntentsCancel handles the intents cancel command.
func runIntentsCancel(cmd *cobra.Command, configPath, id string) error {
	return withApp(cmd, configPath, func(a *app) error {
		result, err := a.service.ConfirmOrCancel(cmd.Context(), id, resolver.DecisionCancel)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Intent %s: %s\n", id, result.Outcome)
		return nil
	})
}

// runIntentsStuck handles the intents stuck command.
func runIntentsStuck(cmd *cobra.Command, configPath string, olderThan time.Duration) error {
	return withApp(cmd, configPath, func(a *app) error {
		if olderThan <= 0 {
			olderThan = a.cfg.Intents.StuckAfter
		}
		stuck, err := a.store.ListStuck(cmd.Context(), olderThan, time.Now())
		if err != nil {
			return err
		}
		if len(stuck) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No stuck intents.")
			return nil
		}
		printIntents(cmd.OutOrStdout(), stuck)
		return nil
	})
}

// runIntentsFailStuck handles the intents fail-stuck command.
func runIntentsFailStuck(cmd *cobra.Command, configPath, id, reason string) error {
	return withApp(cmd, configPath, func(a *app) error {
		if err := a.guard.FailStuck(cmd.Context(), id, reason); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Intent %s marked failed.\n", id)
		return nil
	})
}

func printIntents(out io.Writer, list []*models.PendingIntent) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACTION\tTOOL\tSTATUS\tEXPIRES\tPREVIEW")
	for _, intent := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			intent.ID,
			intent.ActionType,
			intent.ToolName,
			intent.Status,
			intent.ExpiresAt.Format(time.RFC3339),
			intent.PreviewText,
		)
	}
	_ = w.Flush()
}

// =============================================================================
// Utility Handlers
// =============================================================================

// runClassify handles the classify command.
func runClassify(cmd *cobra.Command, text string) error {
	c := resolver.Classify(text)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "kind: %s\n", c.Kind)
	if c.HasChoice() {
		fmt.Fprintf(out, "choice: %d\n", c.Choice)
	}
	return nil
}

// runConfigValidate handles the config validate command.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if _, err := cfg.StoreOptions(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (driver %s, %d action type(s)).\n",
		resolveConfigPath(configPath), cfg.Database.Driver, len(cfg.ExpiryPolicy().ActionTypes()))
	return nil
}

// runConfigSchema handles the config schema command.
func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

// runToken handles the token command.
func runToken(cmd *cobra.Command, configPath, subject string, sessions []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	service := auth.NewService(cfg.Auth)
	token, err := service.GenerateJWT(&auth.Principal{Subject: subject, Sessions: sessions})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}

func writeJSON(out io.Writer, v any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
