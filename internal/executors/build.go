package executors

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/haasonsaas/intentgate/internal/guard"
)

const (
	TypeLog     = "log"
	TypeWebhook = "webhook"
)

// Spec selects and configures one executor.
type Spec struct {
	Type    string        `yaml:"type"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// Config is the executors section of the service configuration. Default
// serves every tool without an entry in Tools.
type Config struct {
	Default Spec            `yaml:"default"`
	Tools   map[string]Spec `yaml:"tools"`
}

// Validate checks every spec without building anything.
func (c Config) Validate() error {
	if err := c.Default.validate("default"); err != nil {
		return err
	}
	for name, spec := range c.Tools {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("executors.tools: empty tool name")
		}
		if err := spec.validate("tools." + name); err != nil {
			return err
		}
	}
	return nil
}

func (s Spec) validate(path string) error {
	switch strings.ToLower(s.Type) {
	case "", TypeLog:
		return nil
	case TypeWebhook:
		if strings.TrimSpace(s.Webhook.URL) == "" {
			return fmt.Errorf("executors.%s.webhook.url is required", path)
		}
		return nil
	default:
		return fmt.Errorf("executors.%s.type: unknown executor type %q", path, s.Type)
	}
}

// Build creates a Registry from config. An empty default spec falls back to
// the log executor.
func Build(config Config, client *http.Client, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	registry := NewRegistry()

	fallback, err := build(config.Default, client, logger)
	if err != nil {
		return nil, fmt.Errorf("executors.default: %w", err)
	}
	registry.SetFallback(fallback)

	for name, spec := range config.Tools {
		e, err := build(spec, client, logger.With("tool_name", name))
		if err != nil {
			return nil, fmt.Errorf("executors.tools.%s: %w", name, err)
		}
		registry.Register(name, e)
	}
	return registry, nil
}

func build(spec Spec, client *http.Client, logger *slog.Logger) (guard.Executor, error) {
	switch strings.ToLower(spec.Type) {
	case "", TypeLog:
		return NewLogExecutor(logger.With("component", "log-executor")), nil
	case TypeWebhook:
		w, err := NewWebhookExecutor(spec.Webhook, client, logger.With("component", "webhook-executor"))
		if err != nil {
			return nil, err
		}
		return w, nil
	default:
		return nil, fmt.Errorf("unknown executor type %q", spec.Type)
	}
}
