package executors

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/intentgate/internal/guard"
)

// LogExecutor records calls without performing them. It backs dry-run
// deployments and tools that have no real executor yet.
type LogExecutor struct {
	logger *slog.Logger
}

// NewLogExecutor creates a LogExecutor writing to logger.
func NewLogExecutor(logger *slog.Logger) *LogExecutor {
	if logger == nil {
		logger = slog.Default().With("component", "log-executor")
	}
	return &LogExecutor{logger: logger}
}

// Execute logs the call and reports it as a dry run.
func (l *LogExecutor) Execute(ctx context.Context, toolName string, args map[string]any) (any, error) {
	intentID, _ := guard.IntentIDFromContext(ctx)
	l.logger.InfoContext(ctx, "dry-run execution",
		"tool_name", toolName,
		"intent_id", intentID,
		"arguments", args,
	)
	return map[string]any{"dry_run": true, "tool_name": toolName}, nil
}
