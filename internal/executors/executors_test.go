package executors

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/intentgate/internal/backoff"
	"github.com/haasonsaas/intentgate/internal/guard"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var fastBackoff = backoff.Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}

func TestRegistryRoutesByToolName(t *testing.T) {
	registry := NewRegistry()
	registry.Register("send_email", guard.ExecutorFunc(func(ctx context.Context, toolName string, args map[string]any) (any, error) {
		return "sent to " + args["to"].(string), nil
	}))

	out, err := registry.Execute(context.Background(), "send_email", map[string]any{"to": "a@b.com"})
	if err != nil || out != "sent to a@b.com" {
		t.Fatalf("Execute() = %v, %v", out, err)
	}

	if _, err := registry.Execute(context.Background(), "missing", nil); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}

	registry.SetFallback(NewLogExecutor(quietLogger))
	out, err = registry.Execute(context.Background(), "missing", nil)
	if err != nil {
		t.Fatalf("fallback Execute() error = %v", err)
	}
	if m, ok := out.(map[string]any); !ok || m["dry_run"] != true {
		t.Fatalf("unexpected fallback output %#v", out)
	}
	if tools := registry.Tools(); len(tools) != 1 || tools[0] != "send_email" {
		t.Fatalf("Tools() = %v", tools)
	}
}

func TestWebhookExecutorPostsCall(t *testing.T) {
	var got webhookRequest
	var header string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		header = r.Header.Get("Idempotency-Key")
		if r.Header.Get("Authorization") != "Bearer downstream" {
			t.Errorf("missing configured header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message_id":"m-1"}`))
	}))
	defer server.Close()

	exec, err := NewWebhookExecutor(WebhookConfig{
		URL:     server.URL,
		Headers: map[string]string{"Authorization": "Bearer downstream"},
	}, server.Client(), quietLogger)
	if err != nil {
		t.Fatalf("NewWebhookExecutor() error = %v", err)
	}

	ctx := guard.WithIntentID(context.Background(), "intent-42")
	out, err := exec.Execute(ctx, "send_email", map[string]any{"to": "a@b.com"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got.ToolName != "send_email" || got.IdempotencyKey != "intent-42" || got.Arguments["to"] != "a@b.com" {
		t.Fatalf("unexpected request %+v", got)
	}
	if header != "intent-42" {
		t.Fatalf("Idempotency-Key = %q", header)
	}
	if m, ok := out.(map[string]any); !ok || m["message_id"] != "m-1" {
		t.Fatalf("unexpected output %#v", out)
	}
}

func TestWebhookExecutorRetries(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int32
		wantErr   bool
		wantCode  int
	}{
		{name: "recovers after 503", statuses: []int{503, 200}, wantCalls: 2},
		{name: "retries 429", statuses: []int{429, 429, 204}, wantCalls: 3},
		{name: "gives up after max attempts", statuses: []int{500, 500, 500, 500}, wantCalls: 3, wantErr: true, wantCode: 500},
		{name: "4xx is permanent", statuses: []int{422, 200}, wantCalls: 1, wantErr: true, wantCode: 422},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				w.WriteHeader(tt.statuses[n-1])
			}))
			defer server.Close()

			exec, err := NewWebhookExecutor(WebhookConfig{URL: server.URL, MaxAttempts: 3, Backoff: fastBackoff}, nil, quietLogger)
			if err != nil {
				t.Fatalf("NewWebhookExecutor() error = %v", err)
			}
			_, err = exec.Execute(context.Background(), "tool", map[string]any{"k": "v"})
			if tt.wantErr != (err != nil) {
				t.Fatalf("Execute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantCode != 0 && !IsStatus(err, tt.wantCode) {
				t.Fatalf("expected status %d in %v", tt.wantCode, err)
			}
			if calls.Load() != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls.Load(), tt.wantCalls)
			}
		})
	}
}

func TestNewWebhookExecutorValidatesURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com", "not a url", "http://"} {
		if _, err := NewWebhookExecutor(WebhookConfig{URL: raw}, nil, quietLogger); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestBuild(t *testing.T) {
	cfg := Config{
		Tools: map[string]Spec{
			"send_email": {Type: TypeWebhook, Webhook: WebhookConfig{URL: "https://hooks.example.com/email"}},
			"dry":        {Type: TypeLog},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	registry, err := Build(cfg, nil, quietLogger)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if tools := registry.Tools(); len(tools) != 2 {
		t.Fatalf("Tools() = %v", tools)
	}
	if _, err := registry.Execute(context.Background(), "unlisted", map[string]any{"x": 1}); err != nil {
		t.Fatalf("default executor should be the log executor, got %v", err)
	}

	bad := Config{Tools: map[string]Spec{"x": {Type: "smtp"}}}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected unknown type error")
	}
	if _, err := Build(Config{Default: Spec{Type: TypeWebhook}}, nil, quietLogger); err == nil {
		t.Fatal("expected missing url error")
	}
}
