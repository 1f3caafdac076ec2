// Package guard turns a user's confirmation into at most one execution of the
// confirmed intent.
//
// Every decision is taken by a compare-and-set transition in the intent
// store, never by an in-process lock, so any number of guards sharing a
// store (across goroutines or processes) execute a pending intent at most
// once.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/intentgate/internal/audit"
	"github.com/haasonsaas/intentgate/internal/intents"
	"github.com/haasonsaas/intentgate/internal/observability"
	"github.com/haasonsaas/intentgate/pkg/models"
)

// DefaultExecutionTimeout bounds a single executor call.
const DefaultExecutionTimeout = 2 * time.Minute

// Outcome is the soft result of a confirmation or cancellation.
type Outcome string

const (
	// OutcomeExecuted means this call ran the executor successfully.
	OutcomeExecuted Outcome = "executed"
	// OutcomeAlreadyExecuted means an earlier confirmation already ran it.
	OutcomeAlreadyExecuted Outcome = "already_executed"
	// OutcomeInProgress means another confirmation holds the intent.
	OutcomeInProgress Outcome = "in_progress"
	// OutcomeCancelled means the intent is cancelled.
	OutcomeCancelled Outcome = "cancelled"
)

// Result describes a confirmation or cancellation that did not fail.
type Result struct {
	Outcome Outcome
	Intent  *models.PendingIntent
	// Output is the executor's return value for OutcomeExecuted.
	Output any
}

// Executor performs the side effect behind an intent. Arguments always come
// from the stored intent.
type Executor interface {
	Execute(ctx context.Context, toolName string, args map[string]any) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, toolName string, args map[string]any) (any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, toolName string, args map[string]any) (any, error) {
	return f(ctx, toolName, args)
}

type intentIDKey struct{}

// WithIntentID attaches the id of the intent being executed to ctx.
// Executors use it as an idempotency key.
func WithIntentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, intentIDKey{}, id)
}

// IntentIDFromContext returns the id set by WithIntentID.
func IntentIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(intentIDKey{}).(string)
	return id, ok && id != ""
}

// Config configures a Guard.
type Config struct {
	// ExecutionTimeout bounds each executor call. Defaults to 2m.
	ExecutionTimeout time.Duration
	Logger           *slog.Logger
	Metrics          *observability.Metrics
	Tracer           *observability.Tracer
	// Audit receives every transition and executor call. Optional.
	Audit *audit.Logger
	// Now overrides the clock used for expiry checks, for tests. It must
	// agree with the store's clock.
	Now func() time.Time
}

// Guard executes confirmed intents exactly once.
type Guard struct {
	store   intents.Store
	policy  *intents.ExpiryPolicy
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	audit   *audit.Logger
	now     func() time.Time
}

// New creates a Guard over store. A nil policy uses intents.DefaultPolicy.
func New(store intents.Store, policy *intents.ExpiryPolicy, config Config) *Guard {
	if policy == nil {
		policy = intents.DefaultPolicy()
	}
	if config.ExecutionTimeout <= 0 {
		config.ExecutionTimeout = DefaultExecutionTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default().With("component", "intent-guard")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Guard{
		store:   store,
		policy:  policy,
		timeout: config.ExecutionTimeout,
		logger:  config.Logger,
		metrics: config.Metrics,
		tracer:  config.Tracer,
		audit:   config.Audit,
		now:     config.Now,
	}
}

// ConfirmAndExecute runs the intent's executor if and only if this call wins
// the pending -> executing transition.
//
// Soft outcomes (already executed, in progress) are returned as results.
// Expired, cancelled and failed intents return ErrExpired, ErrCancelled and
// ErrManualReview. An executor failure returns an *ExecutorError after the
// action's failure policy has been applied.
func (g *Guard) ConfirmAndExecute(ctx context.Context, intentID string, executor Executor) (result *Result, err error) {
	ctx, span := g.tracer.TraceConfirm(ctx, intentID)
	defer func() {
		outcome := outcomeLabel(result, err)
		g.metrics.RecordConfirmation(outcome)
		g.tracer.SetAttributes(span, "confirm.outcome", outcome)
		g.tracer.RecordError(span, err)
		span.End()
	}()

	intent, err := g.store.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status != models.IntentPending {
		return settled(intent)
	}

	if g.policy.IsExpired(intent, g.now()) {
		if _, err := g.transition(ctx, intent, models.IntentExpired, "expired before confirmation"); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: intent %s", ErrExpired, intent.ID)
	}

	won, err := g.transition(ctx, intent, models.IntentExecuting, "")
	if err != nil {
		return nil, err
	}
	if !won {
		g.logger.Info("lost confirmation race", "intent_id", intent.ID)
		return &Result{Outcome: OutcomeInProgress, Intent: intent}, nil
	}
	intent.Status = models.IntentExecuting

	output, execErr := g.execute(ctx, intent, executor)

	// The outcome must be recorded even if the caller went away mid-call.
	recordCtx := context.WithoutCancel(ctx)
	if execErr == nil {
		if _, err := g.transition(recordCtx, intent, models.IntentExecuted, ""); err != nil {
			g.logger.Error("executor succeeded but the outcome was not recorded",
				"intent_id", intent.ID,
				"tool_name", intent.ToolName,
				"error", err,
			)
			return nil, fmt.Errorf("record executed intent %s: %w", intent.ID, err)
		}
		intent.Status = models.IntentExecuted
		g.logger.Info("intent executed", "intent_id", intent.ID, "tool_name", intent.ToolName)
		return &Result{Outcome: OutcomeExecuted, Intent: intent, Output: output}, nil
	}

	return nil, g.fail(recordCtx, intent, execErr)
}

// fail applies the action's failure policy after an executor error.
func (g *Guard) fail(ctx context.Context, intent *models.PendingIntent, execErr error) error {
	policy := g.policy.FailurePolicyFor(intent.ActionType)
	target := models.IntentPending
	if policy == intents.FailureFail {
		target = models.IntentFailed
	}

	g.logger.Warn("executor failed",
		"intent_id", intent.ID,
		"tool_name", intent.ToolName,
		"on_failure", policy,
		"error", execErr,
	)

	if _, err := g.transition(ctx, intent, target, execErr.Error()); err != nil {
		// The intent stays executing; ListStuck surfaces it to an operator.
		g.logger.Error("failed to record executor failure",
			"intent_id", intent.ID,
			"error", err,
		)
		return fmt.Errorf("record failed intent %s: %w", intent.ID, errors.Join(err, execErr))
	}
	intent.Status = target

	return &ExecutorError{
		IntentID:  intent.ID,
		ToolName:  intent.ToolName,
		Retryable: target == models.IntentPending,
		Err:       execErr,
	}
}

// execute calls the executor under the execution timeout, turning panics
// and deadline overruns into errors.
func (g *Guard) execute(ctx context.Context, intent *models.PendingIntent, executor Executor) (output any, err error) {
	if executor == nil {
		return nil, errors.New("no executor configured")
	}

	ctx, span := g.tracer.TraceExecutor(ctx, intent.ToolName)
	defer span.End()

	execCtx, cancel := context.WithTimeout(WithIntentID(ctx, intent.ID), g.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("executor panicked", "intent_id", intent.ID, "tool_name", intent.ToolName, "panic", r)
			output, err = nil, fmt.Errorf("%w: %v", ErrExecutorPanic, r)
		}
		status := "success"
		if err != nil {
			status = "error"
			g.tracer.RecordError(span, err)
		}
		elapsed := time.Since(start)
		g.metrics.RecordExecution(intent.ToolName, status, elapsed.Seconds())
		g.audit.LogExecution(ctx, intent, elapsed, err)
	}()

	output, err = executor.Execute(execCtx, intent.ToolName, models.CloneArguments(intent.Arguments))
	if err == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("execution timed out after %s: %w", g.timeout, context.DeadlineExceeded)
	}
	return output, err
}

// Cancel moves a pending intent to cancelled. When the intent already left
// pending, the result or error reports where it went instead.
func (g *Guard) Cancel(ctx context.Context, intentID string) (*Result, error) {
	intent, err := g.store.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status == models.IntentPending && g.policy.IsExpired(intent, g.now()) {
		if _, err := g.transition(ctx, intent, models.IntentExpired, "expired before cancellation"); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: intent %s", ErrExpired, intent.ID)
	}

	cancelled, err := g.store.MarkCancelled(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if cancelled {
		g.metrics.RecordTransition(string(models.IntentPending), string(models.IntentCancelled))
		g.audit.LogTransition(ctx, intent, models.IntentCancelled, "")
		g.logger.Info("intent cancelled", "intent_id", intentID)
		intent.Status = models.IntentCancelled
		return &Result{Outcome: OutcomeCancelled, Intent: intent}, nil
	}

	current, err := g.store.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if current.Status == models.IntentCancelled {
		return &Result{Outcome: OutcomeCancelled, Intent: current}, nil
	}
	return settled(current)
}

// FailStuck moves an executing intent to failed. Operators use it for
// intents whose executor never reported back.
func (g *Guard) FailStuck(ctx context.Context, intentID, reason string) error {
	intent, err := g.store.Get(ctx, intentID)
	if err != nil {
		return err
	}
	if intent.Status != models.IntentExecuting {
		return fmt.Errorf("%w: intent %s is %s, not executing", intents.ErrInvalidTransition, intentID, intent.Status)
	}
	if reason == "" {
		reason = "marked failed by operator"
	}
	moved, err := g.transition(ctx, intent, models.IntentFailed, reason)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("%w: intent %s changed state concurrently", intents.ErrInvalidTransition, intentID)
	}
	return nil
}

func (g *Guard) transition(ctx context.Context, intent *models.PendingIntent, to models.IntentStatus, note string) (bool, error) {
	moved, err := g.store.TryTransition(ctx, intents.Transition{
		ID:   intent.ID,
		From: intent.Status,
		To:   to,
		Note: note,
	})
	if err != nil {
		return false, err
	}
	if moved {
		g.metrics.RecordTransition(string(intent.Status), string(to))
		g.audit.LogTransition(ctx, intent, to, note)
	}
	return moved, nil
}

// settled maps an intent that already left pending to a result or error.
func settled(intent *models.PendingIntent) (*Result, error) {
	switch intent.Status {
	case models.IntentExecuted:
		return &Result{Outcome: OutcomeAlreadyExecuted, Intent: intent}, nil
	case models.IntentExecuting:
		return &Result{Outcome: OutcomeInProgress, Intent: intent}, nil
	case models.IntentExpired:
		return nil, fmt.Errorf("%w: intent %s", ErrExpired, intent.ID)
	case models.IntentCancelled:
		return nil, fmt.Errorf("%w: intent %s", ErrCancelled, intent.ID)
	case models.IntentFailed:
		return nil, fmt.Errorf("%w: intent %s", ErrManualReview, intent.ID)
	default:
		return nil, fmt.Errorf("intent %s has unknown status %q", intent.ID, intent.Status)
	}
}

func outcomeLabel(result *Result, err error) string {
	var execErr *ExecutorError
	switch {
	case err == nil && result != nil:
		return string(result.Outcome)
	case errors.Is(err, intents.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrManualReview):
		return "manual_review"
	case errors.As(err, &execErr):
		return "executor_error"
	default:
		return "error"
	}
}
