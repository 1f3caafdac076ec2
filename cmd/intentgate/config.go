package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/haasonsaas/intentgate/internal/config"
	"github.com/haasonsaas/intentgate/internal/intents"
	"github.com/haasonsaas/intentgate/internal/observability"
)

const defaultConfigPath = "intentgate.yaml"

// resolveConfigPath prefers an explicit path, then INTENTGATE_CONFIG.
func resolveConfigPath(path string) string {
	if trimmed := strings.TrimSpace(path); trimmed != "" && trimmed != defaultConfigPath {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv("INTENTGATE_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// setupLogger installs the configured logger as the default and returns it.
func setupLogger(cfg *config.Config, out io.Writer, debug bool) *slog.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     level,
		Format:    cfg.Logging.Format,
		Output:    out,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)
	return logger
}

// openStore opens the intent store selected by database.driver.
func openStore(ctx context.Context, cfg *config.Config) (intents.Store, error) {
	opts, err := cfg.StoreOptions()
	if err != nil {
		return nil, fmt.Errorf("store options: %w", err)
	}

	var (
		store   intents.Store
		openErr error
	)
	switch cfg.Database.Driver {
	case config.DriverMemory:
		return intents.NewMemoryStore(opts), nil
	case config.DriverSQLite:
		var sqlStore *intents.SQLStore
		sqlStore, openErr = intents.NewSQLiteStore(cfg.Database.Path, opts)
		store = sqlStore
	case config.DriverCockroach:
		var sqlStore *intents.SQLStore
		sqlStore, openErr = intents.NewCockroachStoreFromDSN(cfg.Database.URL, cockroachConfig(cfg), opts)
		store = sqlStore
	case config.DriverRedis:
		var redisStore *intents.RedisStore
		redisStore, openErr = intents.NewRedisStoreFromConfig(ctx, intents.RedisConfig{
			Addr:      cfg.Database.Redis.Addr,
			Password:  cfg.Database.Redis.Password,
			DB:        cfg.Database.Redis.DB,
			KeyPrefix: cfg.Database.Redis.KeyPrefix,
		}, opts)
		store = redisStore
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	if openErr != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, openErr)
	}
	return store, nil
}

func cockroachConfig(cfg *config.Config) *intents.CockroachConfig {
	pool := intents.DefaultCockroachConfig()
	if cfg.Database.MaxConnections > 0 {
		pool.MaxOpenConns = cfg.Database.MaxConnections
	}
	if cfg.Database.MaxIdleConns > 0 {
		pool.MaxIdleConns = cfg.Database.MaxIdleConns
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	if cfg.Database.ConnMaxIdleTime > 0 {
		pool.ConnMaxIdleTime = cfg.Database.ConnMaxIdleTime
	}
	if cfg.Database.ConnectTimeout > 0 {
		pool.ConnectTimeout = cfg.Database.ConnectTimeout
	}
	return pool
}

// openMigrationDB opens the Cockroach/Postgres database for the migrator.
func openMigrationDB(cfg *config.Config) (*sql.DB, error) {
	if cfg.Database.Driver != config.DriverCockroach {
		return nil, fmt.Errorf("migrations apply to the cockroach driver; %s manages its own schema", cfg.Database.Driver)
	}
	store, err := intents.NewCockroachStoreFromDSN(cfg.Database.URL, cockroachConfig(cfg), intents.Options{})
	if err != nil {
		return nil, err
	}
	return store.DB(), nil
}
