package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info("calling webhook with password=hunter22",
		"header", "Bearer abcdefghijklmnopqrstuvwxyz",
		"token", "plain",
		"error", errors.New("api_key=sk-123456789 rejected"),
	)

	out := buf.String()
	for _, secret := range []string{"hunter22", "abcdefghijklmnopqrstuvwxyz", "plain", "sk-123456789"} {
		if strings.Contains(out, secret) {
			t.Fatalf("log output leaked %q: %s", secret, out)
		}
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker: %s", out)
	}
}

func TestLoggerContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf}).With("component", "test")

	ctx := AddSessionID(AddRequestID(context.Background(), "req-1"), "sess-1")
	logger.InfoContext(ctx, "resolved", "outcome", "ambiguous")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("invalid json log: %v", err)
	}
	for key, want := range map[string]string{
		"request_id": "req-1",
		"session_id": "sess-1",
		"component":  "test",
		"outcome":    "ambiguous",
	} {
		if record[key] != want {
			t.Fatalf("%s = %v, want %q", key, record[key], want)
		}
	}
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"invalid", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LogLevelFromString(tt.level); got != tt.expected {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.level, got, tt.expected)
		}
	}

	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output for warn level: %q", buf.String())
	}
}
