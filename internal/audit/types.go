// Package audit records an append-only trail of what happened to every
// intent: who created it, who confirmed or cancelled it, and what the
// executor returned.
package audit

import (
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	EventIntentCreated    EventType = "intent.created"
	EventIntentTransition EventType = "intent.transition"
	EventExecutorCall     EventType = "executor.call"
	EventAccessDenied     EventType = "access.denied"
)

// Level represents audit log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event represents a single audit log entry.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Level     Level     `json:"level"`
	Timestamp time.Time `json:"timestamp"`

	IntentID   string `json:"intent_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	ActionType string `json:"action_type,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	// Subject is the authenticated caller, when the request carried one.
	Subject string `json:"subject,omitempty"`

	// Action describes what happened.
	Action string `json:"action"`

	// Details contains event-specific structured data.
	Details map[string]any `json:"details,omitempty"`

	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`

	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	SpanID    string `json:"span_id,omitempty"`
}

// OutputFormat specifies the audit log output format.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Config configures the audit logger.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Level is the minimum level to log.
	Level Level `yaml:"level"`

	Format OutputFormat `yaml:"format"`

	// Output specifies where to write events.
	// Supported: "stdout", "stderr", "file:/path/to/audit.log"
	Output string `yaml:"output"`

	// IncludeArguments logs the canonical arguments of created intents.
	// When false only the payload hash is recorded.
	IncludeArguments bool `yaml:"include_arguments"`

	// MaxFieldSize limits the size of logged argument text.
	MaxFieldSize int `yaml:"max_field_size"`

	// EventTypes filters which event types to log (empty = all).
	EventTypes []EventType `yaml:"event_types"`

	// BufferSize is the size of the async write buffer.
	BufferSize int `yaml:"buffer_size"`

	// FlushInterval is how often to flush the buffer.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultConfig returns a default audit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		Level:         LevelInfo,
		Format:        FormatJSON,
		Output:        "stdout",
		MaxFieldSize:  1024,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}
}

// Validate checks the settings NewLogger would reject.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, err := outputKind(c.Output); err != nil {
		return err
	}
	switch c.Format {
	case "", FormatJSON, FormatText:
	default:
		return errUnsupportedFormat(c.Format)
	}
	switch c.Level {
	case "", LevelDebug, LevelInfo, LevelWarn, LevelError:
	default:
		return errUnsupportedLevel(c.Level)
	}
	return nil
}
