package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/intentgate/internal/intents"
	"github.com/haasonsaas/intentgate/internal/preview"
	"github.com/haasonsaas/intentgate/pkg/models"
)

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "intentgate.yaml", `
server:
  http_port: 9000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr() != "0.0.0.0:9000" {
		t.Fatalf("Addr() = %q", cfg.Server.Addr())
	}
	if cfg.Database.Driver != DriverSQLite || cfg.Database.Path != "intentgate.db" {
		t.Fatalf("unexpected database defaults %+v", cfg.Database)
	}
	if cfg.Intents.DefaultTTL != intents.DefaultTTL {
		t.Fatalf("DefaultTTL = %v", cfg.Intents.DefaultTTL)
	}
	if cfg.Intents.SweepSchedule != "@every 1m" || cfg.Intents.StuckAfter != 10*time.Minute {
		t.Fatalf("unexpected sweep defaults %+v", cfg.Intents)
	}
	if cfg.Intents.ExecutionTimeout != 2*time.Minute {
		t.Fatalf("ExecutionTimeout = %v", cfg.Intents.ExecutionTimeout)
	}
	if cfg.Intents.SweepEnabled == nil || !*cfg.Intents.SweepEnabled {
		t.Fatal("sweeper should be enabled by default")
	}
}

func TestLoadActionsAndPolicies(t *testing.T) {
	path := writeConfig(t, "intentgate.yaml", `
intents:
  default_ttl: 5m
  preview_max_len: 120
  amount_mode: round
actions:
  SEND_EMAIL:
    ttl: 30m
  INITIATE_PAYMENT:
    on_failure: rollback
  CREATE_TICKET:
    ttl: 1h
    arguments_schema: |
      {"type": "object", "required": ["title"]}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	policy := cfg.ExpiryPolicy()
	if got := policy.TTLFor(models.ActionSendEmail); got != 30*time.Minute {
		t.Fatalf("SEND_EMAIL ttl = %v", got)
	}
	if got := policy.TTLFor(models.ActionCreateFiling); got != 5*time.Minute {
		t.Fatalf("CREATE_FILING ttl = %v, want the default", got)
	}
	if got := policy.FailurePolicyFor(models.ActionInitiatePayment); got != intents.FailureRollback {
		t.Fatalf("INITIATE_PAYMENT on_failure = %v", got)
	}
	if got := policy.FailurePolicyFor(models.ActionCreateFiling); got != intents.FailureFail {
		t.Fatalf("CREATE_FILING keeps its built-in policy, got %v", got)
	}
	if !policy.Registered("CREATE_TICKET") {
		t.Fatal("configured action types are registered")
	}

	pp := cfg.PreviewPolicy()
	if pp.MaxLen != 120 || pp.Amounts != preview.AmountRound {
		t.Fatalf("PreviewPolicy() = %+v", pp)
	}

	opts, err := cfg.StoreOptions()
	if err != nil {
		t.Fatalf("StoreOptions() error = %v", err)
	}
	if err := opts.Validator.Validate("CREATE_TICKET", map[string]any{"body": "x"}); err == nil {
		t.Fatal("expected schema violation")
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("INTENTGATE_TEST_SECRET", "s3cret")
	path := writeConfig(t, "intentgate.yaml", `
auth:
  jwt_secret: ${INTENTGATE_TEST_SECRET}
database:
  driver: sqlite
  path: ${INTENTGATE_TEST_UNSET:-/var/lib/intentgate/intents.db}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Fatalf("JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Database.Path != "/var/lib/intentgate/intents.db" {
		t.Fatalf("Path = %q", cfg.Database.Path)
	}
}

func TestLoadIncludesAndJSON5(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.json5")
	if err := os.WriteFile(base, []byte(`{
  // shared settings
  server: {http_port: 7000},
  logging: {level: "debug"},
}`), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	main := filepath.Join(dir, "intentgate.yaml")
	if err := os.WriteFile(main, []byte("$include: base.json5\nlogging:\n  format: text\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 7000 || cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Fatalf("merge failed: server=%+v logging=%+v", cfg.Server, cfg.Logging)
	}
}

func TestLoadRejectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	_ = os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644)
	_ = os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644)
	if _, err := Load(a); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "unknown field", body: "server:\n  extra: true\n", wantErr: "extra"},
		{name: "unknown driver", body: "database:\n  driver: mongo\n", wantErr: "database.driver"},
		{name: "cockroach needs url", body: "database:\n  driver: cockroach\n", wantErr: "database.url"},
		{name: "redis needs addr", body: "database:\n  driver: redis\n", wantErr: "database.redis.addr"},
		{name: "bad amount mode", body: "intents:\n  amount_mode: hide\n", wantErr: "amount_mode"},
		{name: "bad schedule", body: "intents:\n  sweep_schedule: every minute\n", wantErr: "sweep_schedule"},
		{name: "bad failure policy", body: "actions:\n  SEND_EMAIL:\n    on_failure: retry\n", wantErr: "on_failure"},
		{name: "negative ttl", body: "actions:\n  SEND_EMAIL:\n    ttl: -1m\n", wantErr: "ttl"},
		{name: "bad schema", body: "actions:\n  X:\n    arguments_schema: '{\"type\": 5}'\n", wantErr: "arguments schema"},
		{name: "webhook needs url", body: "executors:\n  default:\n    type: webhook\n", wantErr: "webhook.url"},
		{name: "tracing needs endpoint", body: "tracing:\n  enabled: true\n", wantErr: "tracing.endpoint"},
		{name: "bad audit output", body: "audit:\n  enabled: true\n  output: syslog\n", wantErr: "audit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "intentgate.yaml", tt.body))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadAcceptsSecondsSchedule(t *testing.T) {
	cfg, err := Load(writeConfig(t, "intentgate.yaml", "intents:\n  sweep_schedule: \"*/30 * * * * *\"\naudit:\n  enabled: true\n  output: stderr\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Audit.Enabled || cfg.Audit.Output != "stderr" || cfg.Audit.Format != "json" {
		t.Fatalf("audit = %+v", cfg.Audit)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if !strings.Contains(string(data), "sweep_schedule") {
		t.Fatal("schema should describe intents.sweep_schedule")
	}
}
