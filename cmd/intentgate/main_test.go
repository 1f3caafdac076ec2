package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/intentgate/internal/config"
	"github.com/haasonsaas/intentgate/internal/intents"
	"github.com/haasonsaas/intentgate/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "migrate", "sweep", "intents", "classify", "config", "token"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeSQLiteConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "intents.db")
	configPath := filepath.Join(dir, "intentgate.yaml")
	body := "database:\n  driver: sqlite\n  path: " + dbPath + "\nauth:\n  jwt_secret: cli-secret\n"
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return configPath, dbPath
}

func TestClassifyCommand(t *testing.T) {
	out, err := execute(t, "classify", "sim", "2")
	if err != nil {
		t.Fatalf("classify error = %v", err)
	}
	if !strings.Contains(out, "kind: confirm") || !strings.Contains(out, "choice: 2") {
		t.Fatalf("output = %q", out)
	}
}

func TestIntentsCommands(t *testing.T) {
	configPath, dbPath := writeSQLiteConfig(t)

	store, err := intents.NewSQLiteStore(dbPath, intents.Options{})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	intent, err := store.Create(context.Background(), intents.CreateRequest{
		SessionID:  "s1",
		ActionType: models.ActionSendEmail,
		ToolName:   "send_email",
		Arguments:  map[string]any{"to": "ana"},
		Preview:    "Email Ana",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_ = store.Close()

	out, err := execute(t, "intents", "list", "--session", "s1", "-c", configPath)
	if err != nil {
		t.Fatalf("intents list error = %v", err)
	}
	if !strings.Contains(out, intent.ID) || !strings.Contains(out, "Email Ana") {
		t.Fatalf("list output = %q", out)
	}

	out, err = execute(t, "intents", "cancel", intent.ID, "-c", configPath)
	if err != nil {
		t.Fatalf("intents cancel error = %v", err)
	}
	if !strings.Contains(out, "cancelled") {
		t.Fatalf("cancel output = %q", out)
	}

	out, err = execute(t, "intents", "show", intent.ID, "-c", configPath)
	if err != nil {
		t.Fatalf("intents show error = %v", err)
	}
	if !strings.Contains(out, `"status": "cancelled"`) {
		t.Fatalf("show output = %q", out)
	}

	if _, err := execute(t, "intents", "fail-stuck", intent.ID, "-c", configPath); err == nil {
		t.Fatal("fail-stuck must refuse an intent that is not executing")
	}

	out, err = execute(t, "sweep", "-c", configPath)
	if err != nil {
		t.Fatalf("sweep error = %v", err)
	}
	if !strings.Contains(out, "Expired 0 intent(s).") {
		t.Fatalf("sweep output = %q", out)
	}
}

func TestTokenCommand(t *testing.T) {
	configPath, _ := writeSQLiteConfig(t)
	out, err := execute(t, "token", "--subject", "bot", "--session", "s1", "-c", configPath)
	if err != nil {
		t.Fatalf("token error = %v", err)
	}
	if strings.Count(strings.TrimSpace(out), ".") != 2 {
		t.Fatalf("expected a JWT, got %q", out)
	}
}

func TestConfigCommands(t *testing.T) {
	configPath, _ := writeSQLiteConfig(t)
	out, err := execute(t, "config", "validate", "-c", configPath)
	if err != nil {
		t.Fatalf("config validate error = %v", err)
	}
	if !strings.Contains(out, "driver sqlite") {
		t.Fatalf("validate output = %q", out)
	}

	out, err = execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("config schema error = %v", err)
	}
	if !strings.Contains(out, "sweep_schedule") {
		t.Fatal("schema output should describe the intents section")
	}
}

func TestMigrateRequiresCockroach(t *testing.T) {
	configPath, _ := writeSQLiteConfig(t)
	if _, err := execute(t, "migrate", "status", "-c", configPath); err == nil {
		t.Fatal("expected migrate to refuse the sqlite driver")
	}
}

func TestOpenStoreMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = config.DriverMemory
	store, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	defer store.Close()
	if _, ok := store.(*intents.MemoryStore); !ok {
		t.Fatalf("store = %T", store)
	}
}
