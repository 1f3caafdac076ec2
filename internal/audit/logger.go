package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/intentgate/internal/auth"
	"github.com/haasonsaas/intentgate/internal/observability"
	"github.com/haasonsaas/intentgate/pkg/models"
)

// Logger writes the intent audit trail. Events are buffered and written by
// a single goroutine so callers on the confirmation path never block on I/O.
//
// A nil *Logger is valid and drops every event, so components can hold an
// optional audit logger without nil checks.
//
// Usage:
//
//	logger, err := audit.NewLogger(audit.Config{
//	    Enabled: true,
//	    Output:  "file:/var/log/intentgate/audit.log",
//	})
//	defer logger.Close()
//
//	logger.LogTransition(ctx, intent, models.IntentExecuting, "")
type Logger struct {
	config     Config
	output     io.Writer
	closer     io.Closer
	slogger    *slog.Logger
	buffer     chan *Event
	wg         sync.WaitGroup
	done       chan struct{}
	closeOnce  sync.Once
	eventTypes map[EventType]bool
}

func errUnsupportedFormat(format OutputFormat) error {
	return fmt.Errorf("unsupported audit format: %s", format)
}

func errUnsupportedLevel(level Level) error {
	return fmt.Errorf("unsupported audit level: %s", level)
}

// outputKind classifies an output setting as stdout, stderr or a file path.
func outputKind(output string) (string, error) {
	switch {
	case output == "stdout" || output == "":
		return "stdout", nil
	case output == "stderr":
		return "stderr", nil
	case strings.HasPrefix(output, "file:"):
		if strings.TrimSpace(strings.TrimPrefix(output, "file:")) == "" {
			return "", fmt.Errorf("audit output %q has no path", output)
		}
		return "file", nil
	default:
		return "", fmt.Errorf("unsupported audit output: %s", output)
	}
}

// NewLogger creates a new audit logger with the given configuration.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	kind, _ := outputKind(config.Output)
	var (
		output io.Writer
		closer io.Closer
	)
	switch kind {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		output, closer = f, f
	}

	l := newLogger(config, output)
	l.closer = closer
	return l, nil
}

// newLogger applies defaults and starts the writer for an enabled config.
func newLogger(config Config, output io.Writer) *Logger {
	if config.Level == "" {
		config.Level = LevelInfo
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxFieldSize <= 0 {
		config.MaxFieldSize = 1024
	}

	eventTypes := make(map[EventType]bool)
	for _, et := range config.EventTypes {
		eventTypes[et] = true
	}

	l := &Logger{
		config:     config,
		output:     output,
		buffer:     make(chan *Event, config.BufferSize),
		done:       make(chan struct{}),
		eventTypes: eventTypes,
	}

	opts := &slog.HandlerOptions{Level: l.slogLevel()}
	var handler slog.Handler
	if config.Format == FormatText {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}
	l.slogger = slog.New(handler).With("component", "audit")

	l.wg.Add(1)
	go l.writeLoop()
	return l
}

func (l *Logger) enabled() bool {
	return l != nil && l.config.Enabled && l.buffer != nil
}

// Close flushes remaining events and closes a file output.
func (l *Logger) Close() error {
	if !l.enabled() {
		return nil
	}
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
		if l.closer != nil {
			err = l.closer.Close()
		}
	})
	return err
}

// Log writes an audit event. Subject, request and trace ids are filled
// from ctx when the event leaves them empty.
func (l *Logger) Log(ctx context.Context, event *Event) {
	if !l.enabled() || event == nil {
		return
	}
	if len(l.eventTypes) > 0 && !l.eventTypes[event.Type] {
		return
	}
	if !l.shouldLog(event.Level) {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Subject == "" {
		if principal, ok := auth.PrincipalFromContext(ctx); ok && principal != nil {
			event.Subject = principal.Subject
		}
	}
	if event.RequestID == "" {
		event.RequestID = observability.GetRequestID(ctx)
	}
	if event.TraceID == "" {
		event.TraceID = observability.GetTraceID(ctx)
	}
	if event.SpanID == "" {
		event.SpanID = observability.GetSpanID(ctx)
	}

	select {
	case <-l.done:
		return
	default:
	}

	select {
	case l.buffer <- event:
	default:
		// Buffer full: write inline rather than drop an audit record.
		l.writeEvent(event)
	}
}

// LogCreated records a new intent. Arguments are written only when
// IncludeArguments is set; otherwise the payload hash identifies them.
func (l *Logger) LogCreated(ctx context.Context, intent *models.PendingIntent) {
	if !l.enabled() || intent == nil {
		return
	}
	details := map[string]any{
		"payload_hash": intent.PayloadHash,
		"expires_at":   intent.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if l.config.IncludeArguments {
		details["arguments"] = l.truncate(encodeArguments(intent.Arguments))
	} else {
		details["arguments_hash"] = hashString(encodeArguments(intent.Arguments))
	}

	event := intentEvent(EventIntentCreated, LevelInfo, intent, "intent_created")
	event.Details = details
	l.Log(ctx, event)
}

// LogTransition records a state change. intent carries the state before
// the change; note is the reason recorded alongside it, if any.
func (l *Logger) LogTransition(ctx context.Context, intent *models.PendingIntent, to models.IntentStatus, note string) {
	if !l.enabled() || intent == nil {
		return
	}
	level := LevelInfo
	if to == models.IntentFailed {
		level = LevelWarn
	}
	details := map[string]any{
		"from": string(intent.Status),
		"to":   string(to),
	}
	if note != "" {
		details["note"] = l.truncate(note)
	}

	event := intentEvent(EventIntentTransition, level, intent, "intent_"+string(to))
	event.Details = details
	l.Log(ctx, event)
}

// LogExecution records one executor call and its outcome.
func (l *Logger) LogExecution(ctx context.Context, intent *models.PendingIntent, duration time.Duration, execErr error) {
	if !l.enabled() || intent == nil {
		return
	}
	level := LevelInfo
	action := "executor_succeeded"
	if execErr != nil {
		level = LevelWarn
		action = "executor_failed"
	}

	event := intentEvent(EventExecutorCall, level, intent, action)
	event.Duration = duration
	event.Details = map[string]any{"success": execErr == nil}
	if execErr != nil {
		event.Error = l.truncate(execErr.Error())
	}
	l.Log(ctx, event)
}

// LogAccessDenied records a caller acting on a session it may not access.
func (l *Logger) LogAccessDenied(ctx context.Context, sessionID, intentID, route string) {
	if !l.enabled() {
		return
	}
	l.Log(ctx, &Event{
		Type:      EventAccessDenied,
		Level:     LevelWarn,
		SessionID: sessionID,
		IntentID:  intentID,
		Action:    "access_denied",
		Details:   map[string]any{"route": route},
	})
}

func intentEvent(eventType EventType, level Level, intent *models.PendingIntent, action string) *Event {
	return &Event{
		Type:       eventType,
		Level:      level,
		IntentID:   intent.ID,
		SessionID:  intent.SessionID,
		ActionType: string(intent.ActionType),
		ToolName:   intent.ToolName,
		Action:     action,
	}
}

// writeLoop processes buffered events.
func (l *Logger) writeLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		case <-ticker.C:
			l.flushBuffer()
		case <-l.done:
			l.flushBuffer()
			return
		}
	}
}

// flushBuffer drains all buffered events.
func (l *Logger) flushBuffer() {
	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		default:
			return
		}
	}
}

// writeEvent writes a single event to the output.
func (l *Logger) writeEvent(event *Event) {
	attrs := []any{
		"audit_id", event.ID,
		"audit_type", event.Type,
		"action", event.Action,
		"timestamp", event.Timestamp.Format(time.RFC3339Nano),
	}

	if event.IntentID != "" {
		attrs = append(attrs, "intent_id", event.IntentID)
	}
	if event.SessionID != "" {
		attrs = append(attrs, "session_id", event.SessionID)
	}
	if event.ActionType != "" {
		attrs = append(attrs, "action_type", event.ActionType)
	}
	if event.ToolName != "" {
		attrs = append(attrs, "tool_name", event.ToolName)
	}
	if event.Subject != "" {
		attrs = append(attrs, "subject", event.Subject)
	}
	if event.RequestID != "" {
		attrs = append(attrs, "request_id", event.RequestID)
	}
	if event.TraceID != "" {
		attrs = append(attrs, "trace_id", event.TraceID)
	}
	if event.SpanID != "" {
		attrs = append(attrs, "span_id", event.SpanID)
	}
	if event.Duration > 0 {
		attrs = append(attrs, "duration_ms", event.Duration.Milliseconds())
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}

	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}

	switch event.Level {
	case LevelDebug:
		l.slogger.Debug("audit", attrs...)
	case LevelWarn:
		l.slogger.Warn("audit", attrs...)
	case LevelError:
		l.slogger.Error("audit", attrs...)
	default:
		l.slogger.Info("audit", attrs...)
	}
}

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// shouldLog checks if an event at the given level should be logged.
func (l *Logger) shouldLog(level Level) bool {
	return levelRank[level] >= levelRank[l.config.Level]
}

// slogLevel converts audit level to slog level.
func (l *Logger) slogLevel() slog.Level {
	switch l.config.Level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) truncate(s string) string {
	if len(s) > l.config.MaxFieldSize {
		return s[:l.config.MaxFieldSize] + "...(truncated)"
	}
	return s
}

func encodeArguments(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}

// hashString creates a SHA256 hash of a string (first 16 chars).
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}
