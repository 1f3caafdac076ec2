package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/intentgate/internal/backoff"
	"github.com/haasonsaas/intentgate/internal/guard"
)

const (
	// DefaultWebhookTimeout bounds each HTTP attempt.
	DefaultWebhookTimeout = 30 * time.Second
	// DefaultWebhookAttempts is how many times a transient failure is tried.
	DefaultWebhookAttempts = 3

	maxResponseBytes = 1 << 20
)

// WebhookConfig configures a WebhookExecutor.
type WebhookConfig struct {
	URL         string            `yaml:"url"`
	Timeout     time.Duration     `yaml:"timeout"`
	MaxAttempts int               `yaml:"max_attempts"`
	Headers     map[string]string `yaml:"headers"`
	Backoff     backoff.Policy    `yaml:"backoff"`
}

// webhookRequest is the body POSTed for every execution.
type webhookRequest struct {
	ToolName       string         `json:"tool_name"`
	Arguments      map[string]any `json:"arguments"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// StatusError reports a non-2xx webhook response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, e.Body)
}

// WebhookExecutor delivers executions to an HTTP endpoint. The intent id is
// sent as the idempotency key, both in the body and in the Idempotency-Key
// header, so the receiver can drop retried deliveries.
type WebhookExecutor struct {
	config WebhookConfig
	client *http.Client
	logger *slog.Logger
}

// NewWebhookExecutor validates config and creates the executor. A nil client
// uses one with config.Timeout.
func NewWebhookExecutor(config WebhookConfig, client *http.Client, logger *slog.Logger) (*WebhookExecutor, error) {
	parsed, err := url.Parse(strings.TrimSpace(config.URL))
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("invalid webhook url %q", config.URL)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultWebhookTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultWebhookAttempts
	}
	if config.Backoff.Initial <= 0 {
		config.Backoff = backoff.DefaultPolicy()
	}
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	if logger == nil {
		logger = slog.Default().With("component", "webhook-executor")
	}
	return &WebhookExecutor{config: config, client: client, logger: logger}, nil
}

// Execute POSTs the call and decodes a JSON response body when present.
// 5xx, 429 and transport errors are retried; other non-2xx responses fail
// immediately.
func (w *WebhookExecutor) Execute(ctx context.Context, toolName string, args map[string]any) (any, error) {
	intentID, _ := guard.IntentIDFromContext(ctx)
	body, err := json.Marshal(webhookRequest{ToolName: toolName, Arguments: args, IdempotencyKey: intentID})
	if err != nil {
		return nil, fmt.Errorf("encode webhook request: %w", err)
	}

	var output any
	attempts, err := backoff.Retry(ctx, w.config.Backoff, w.config.MaxAttempts, func(attempt int) error {
		out, err := w.post(ctx, body, intentID)
		if err != nil {
			w.logger.Warn("webhook attempt failed",
				"tool_name", toolName,
				"intent_id", intentID,
				"attempt", attempt,
				"error", err,
			)
			return err
		}
		output = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("webhook %s after %d attempt(s): %w", toolName, attempts, err)
	}
	return output, nil
}

func (w *WebhookExecutor) post(ctx context.Context, body []byte, intentID string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "intentgate-webhook/1.0")
	if intentID != "" {
		req.Header.Set("Idempotency-Key", intentID)
	}
	for k, v := range w.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read webhook response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return string(payload), nil
	}
	return decoded, nil
}

// IsStatus reports whether err is a webhook StatusError with the given code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}
