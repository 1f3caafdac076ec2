// Package config loads the intentgate service configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/intentgate/internal/audit"
	"github.com/haasonsaas/intentgate/internal/auth"
	"github.com/haasonsaas/intentgate/internal/cache"
	"github.com/haasonsaas/intentgate/internal/executors"
	"github.com/haasonsaas/intentgate/internal/guard"
	"github.com/haasonsaas/intentgate/internal/intents"
	"github.com/haasonsaas/intentgate/internal/preview"
	"github.com/haasonsaas/intentgate/internal/ratelimit"
	"github.com/haasonsaas/intentgate/pkg/models"
)

// Config is the main configuration structure for intentgate.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Database  DatabaseConfig          `yaml:"database"`
	Intents   IntentsConfig           `yaml:"intents"`
	Messages  MessagesConfig          `yaml:"messages"`
	Actions   map[string]ActionConfig `yaml:"actions"`
	Executors executors.Config        `yaml:"executors"`
	Auth      auth.Config             `yaml:"auth"`
	RateLimit ratelimit.Config        `yaml:"ratelimit"`
	Logging   LoggingConfig           `yaml:"logging"`
	Tracing   TracingConfig           `yaml:"tracing"`
	Audit     audit.Config            `yaml:"audit"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

const (
	DriverMemory    = "memory"
	DriverSQLite    = "sqlite"
	DriverCockroach = "cockroach"
	DriverRedis     = "redis"
)

type DatabaseConfig struct {
	// Driver is one of memory, sqlite, cockroach or redis.
	Driver string `yaml:"driver"`
	// URL is the Cockroach/Postgres DSN.
	URL string `yaml:"url"`
	// Path is the SQLite database file.
	Path            string        `yaml:"path"`
	MaxConnections  int           `yaml:"max_connections"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	Redis           RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type IntentsConfig struct {
	DefaultTTL       time.Duration `yaml:"default_ttl"`
	PreviewMaxLen    int           `yaml:"preview_max_len"`
	AmountMode       string        `yaml:"amount_mode"`
	SweepEnabled     *bool         `yaml:"sweep_enabled"`
	SweepSchedule    string        `yaml:"sweep_schedule"`
	StuckAfter       time.Duration `yaml:"stuck_after"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
}

// ActionConfig overrides or registers an action type.
type ActionConfig struct {
	TTL       time.Duration `yaml:"ttl"`
	OnFailure string        `yaml:"on_failure"`
	// ArgumentsSchema is an optional JSON Schema the arguments must satisfy.
	ArgumentsSchema string `yaml:"arguments_schema"`
}

// MessagesConfig controls how redelivered chat messages are recognised.
type MessagesConfig struct {
	DedupeTTL        time.Duration `yaml:"dedupe_ttl"`
	DedupeMaxEntries int           `yaml:"dedupe_max_entries"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type TracingConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Endpoint     string            `yaml:"endpoint"`
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Attributes   map[string]string `yaml:"attributes"`
	Insecure     bool              `yaml:"insecure"`
}

// Load reads, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		// Confirmations block on the executor.
		cfg.Server.WriteTimeout = guard.DefaultExecutionTimeout + 30*time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Database.Driver == DriverSQLite && cfg.Database.Path == "" {
		cfg.Database.Path = "intentgate.db"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 2 * time.Minute
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 10 * time.Second
	}
	if cfg.Database.Redis.KeyPrefix == "" {
		cfg.Database.Redis.KeyPrefix = intents.DefaultRedisKeyPrefix
	}
	if cfg.Intents.DefaultTTL == 0 {
		cfg.Intents.DefaultTTL = intents.DefaultTTL
	}
	if cfg.Intents.PreviewMaxLen == 0 {
		cfg.Intents.PreviewMaxLen = preview.DefaultMaxLen
	}
	if cfg.Intents.AmountMode == "" {
		cfg.Intents.AmountMode = string(preview.AmountKeep)
	}
	if cfg.Intents.SweepEnabled == nil {
		enabled := true
		cfg.Intents.SweepEnabled = &enabled
	}
	if cfg.Intents.SweepSchedule == "" {
		cfg.Intents.SweepSchedule = intents.DefaultSweepSchedule
	}
	if cfg.Intents.StuckAfter == 0 {
		cfg.Intents.StuckAfter = intents.DefaultStuckAfter
	}
	if cfg.Intents.ExecutionTimeout == 0 {
		cfg.Intents.ExecutionTimeout = guard.DefaultExecutionTimeout
	}
	if cfg.Messages.DedupeTTL == 0 {
		cfg.Messages.DedupeTTL = cache.DefaultTTL
	}
	if cfg.Messages.DedupeMaxEntries == 0 {
		cfg.Messages.DedupeMaxEntries = cache.DefaultMaxSize
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = ratelimit.DefaultConfig().RequestsPerSecond
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = ratelimit.DefaultConfig().BurstSize
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "intentgate"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
	auditDefaults := audit.DefaultConfig()
	if cfg.Audit.Level == "" {
		cfg.Audit.Level = auditDefaults.Level
	}
	if cfg.Audit.Format == "" {
		cfg.Audit.Format = auditDefaults.Format
	}
	if cfg.Audit.Output == "" {
		cfg.Audit.Output = auditDefaults.Output
	}
	if cfg.Audit.MaxFieldSize == 0 {
		cfg.Audit.MaxFieldSize = auditDefaults.MaxFieldSize
	}
	if cfg.Audit.BufferSize == 0 {
		cfg.Audit.BufferSize = auditDefaults.BufferSize
	}
	if cfg.Audit.FlushInterval == 0 {
		cfg.Audit.FlushInterval = auditDefaults.FlushInterval
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		add("server.http_port must be between 1 and 65535")
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			add("database.path is required for the sqlite driver")
		}
	case DriverCockroach:
		if strings.TrimSpace(c.Database.URL) == "" {
			add("database.url is required for the cockroach driver")
		}
	case DriverRedis:
		if strings.TrimSpace(c.Database.Redis.Addr) == "" {
			add("database.redis.addr is required for the redis driver")
		}
	default:
		add("database.driver: unknown driver %q", c.Database.Driver)
	}

	if c.Intents.DefaultTTL < 0 {
		add("intents.default_ttl must not be negative")
	}
	if c.Intents.PreviewMaxLen < 1 {
		add("intents.preview_max_len must be positive")
	}
	if _, ok := preview.ParseAmountMode(c.Intents.AmountMode); !ok {
		add("intents.amount_mode: unknown mode %q", c.Intents.AmountMode)
	}
	if err := intents.ValidateSchedule(c.Intents.SweepSchedule); err != nil {
		add("intents.sweep_schedule: %v", err)
	}
	if c.Intents.StuckAfter < 0 {
		add("intents.stuck_after must not be negative")
	}
	if c.Intents.ExecutionTimeout < 0 {
		add("intents.execution_timeout must not be negative")
	}
	if c.Messages.DedupeTTL < 0 || c.Messages.DedupeMaxEntries < 0 {
		add("messages dedupe limits must not be negative")
	}

	for name, action := range c.Actions {
		if strings.TrimSpace(name) == "" {
			add("actions: empty action type")
		}
		if action.TTL < 0 {
			add("actions.%s.ttl must not be negative", name)
		}
		if _, ok := intents.ParseFailurePolicy(action.OnFailure); !ok {
			add("actions.%s.on_failure: expected rollback or fail, got %q", name, action.OnFailure)
		}
	}
	if _, err := c.SchemaValidator(); err != nil {
		add("actions: %v", err)
	}

	if err := c.Executors.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.BurstSize < 0 {
		add("ratelimit values must not be negative")
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		add("tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}
	if err := c.Audit.Validate(); err != nil {
		add("audit: %v", err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ExpiryPolicy builds the expiry policy from the intents and actions
// sections. Configured actions override the built-in ones.
func (c *Config) ExpiryPolicy() *intents.ExpiryPolicy {
	actions := intents.BuiltinActions()
	for name, action := range c.Actions {
		actionType := models.ActionType(name)
		merged := actions[actionType]
		if action.TTL > 0 {
			merged.TTL = action.TTL
		}
		if action.OnFailure != "" || merged.OnFailure == "" {
			merged.OnFailure, _ = intents.ParseFailurePolicy(action.OnFailure)
		}
		actions[actionType] = merged
	}
	return intents.NewExpiryPolicy(c.Intents.DefaultTTL, actions)
}

// PreviewPolicy builds the sanitizer policy.
func (c *Config) PreviewPolicy() preview.FieldPolicy {
	mode, _ := preview.ParseAmountMode(c.Intents.AmountMode)
	return preview.FieldPolicy{MaxLen: c.Intents.PreviewMaxLen, Amounts: mode}
}

// SchemaValidator compiles the configured argument schemas. It returns nil
// when no action declares one.
func (c *Config) SchemaValidator() (*intents.SchemaValidator, error) {
	schemas := map[models.ActionType]string{}
	for name, action := range c.Actions {
		if strings.TrimSpace(action.ArgumentsSchema) != "" {
			schemas[models.ActionType(name)] = action.ArgumentsSchema
		}
	}
	if len(schemas) == 0 {
		return nil, nil
	}
	return intents.NewSchemaValidator(schemas)
}

// StoreOptions gathers the options shared by every store backend.
func (c *Config) StoreOptions() (intents.Options, error) {
	validator, err := c.SchemaValidator()
	if err != nil {
		return intents.Options{}, err
	}
	return intents.Options{
		Policy:    c.ExpiryPolicy(),
		Preview:   c.PreviewPolicy(),
		Validator: validator,
	}, nil
}
