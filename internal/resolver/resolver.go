// Package resolver decides which pending intent, if any, a user message
// confirms or cancels.
//
// Resolution is read-only apart from lazily expiring stale intents. It never
// executes anything; the guard re-checks every decision against the store.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/intentgate/internal/audit"
	"github.com/haasonsaas/intentgate/internal/intents"
	"github.com/haasonsaas/intentgate/internal/observability"
	"github.com/haasonsaas/intentgate/pkg/models"
)

// OutcomeKind is the result category of Resolve.
type OutcomeKind string

const (
	// NoPending means the session has no live pending intent.
	NoPending OutcomeKind = "no_pending"
	// NotAConfirmation means the message is ordinary input.
	NotAConfirmation OutcomeKind = "not_a_confirmation"
	// Resolved means exactly one intent was selected with a decision.
	Resolved OutcomeKind = "resolved"
	// Ambiguous means several intents are pending and none was selected.
	Ambiguous OutcomeKind = "ambiguous"
	// InvalidChoice means the user named an option that does not exist.
	InvalidChoice OutcomeKind = "invalid_choice"
)

// Decision is what the user wants done with the selected intent.
type Decision string

const (
	DecisionConfirm Decision = "confirm"
	DecisionCancel  Decision = "cancel"
)

// Option is one numbered entry of a disambiguation menu.
type Option struct {
	Number int                   `json:"number"`
	Intent *models.PendingIntent `json:"intent"`
}

// Outcome is the result of Resolve.
type Outcome struct {
	Kind           OutcomeKind           `json:"kind"`
	Decision       Decision              `json:"decision,omitempty"`
	Intent         *models.PendingIntent `json:"intent,omitempty"`
	Options        []Option              `json:"options,omitempty"`
	Classification Classification        `json:"-"`
}

// Config configures a Resolver.
type Config struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Audit   *audit.Logger
	Now     func() time.Time
}

// Resolver maps user messages to pending intents.
type Resolver struct {
	store   intents.Store
	policy  *intents.ExpiryPolicy
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	audit   *audit.Logger
	now     func() time.Time
}

// New creates a Resolver. A nil policy uses intents.DefaultPolicy.
func New(store intents.Store, policy *intents.ExpiryPolicy, config Config) *Resolver {
	if policy == nil {
		policy = intents.DefaultPolicy()
	}
	if config.Logger == nil {
		config.Logger = slog.Default().With("component", "intent-resolver")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Resolver{
		store:   store,
		policy:  policy,
		logger:  config.Logger,
		metrics: config.Metrics,
		tracer:  config.Tracer,
		audit:   config.Audit,
		now:     config.Now,
	}
}

// Resolve classifies text against the session's live pending intents.
func (r *Resolver) Resolve(ctx context.Context, sessionID, text string) (*Outcome, error) {
	ctx, span := r.tracer.TraceResolve(ctx, sessionID)
	defer span.End()

	pending, err := r.LivePending(ctx, sessionID)
	if err != nil {
		r.tracer.RecordError(span, err)
		return nil, err
	}

	outcome := decide(pending, Classify(text))
	r.metrics.RecordResolution(string(outcome.Kind))
	r.tracer.SetAttributes(span, "resolve.outcome", string(outcome.Kind), "resolve.pending", len(pending))
	r.logger.Debug("resolved message",
		"session_id", sessionID,
		"outcome", outcome.Kind,
		"pending", len(pending),
	)
	return outcome, nil
}

// LivePending lists the session's pending intents in creation order. Intents
// whose TTL has run out are moved to expired and left out.
func (r *Resolver) LivePending(ctx context.Context, sessionID string) ([]*models.PendingIntent, error) {
	all, err := r.store.ListPending(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list pending intents: %w", err)
	}

	now := r.now()
	live := all[:0]
	for _, intent := range all {
		if !r.policy.IsExpired(intent, now) {
			live = append(live, intent)
			continue
		}
		moved, err := r.store.TryTransition(ctx, intents.Transition{
			ID:   intent.ID,
			From: models.IntentPending,
			To:   models.IntentExpired,
			Note: "expired before resolution",
		})
		if err != nil {
			return nil, fmt.Errorf("expire intent %s: %w", intent.ID, err)
		}
		if moved {
			r.metrics.RecordTransition(string(models.IntentPending), string(models.IntentExpired))
			r.audit.LogTransition(ctx, intent, models.IntentExpired, "expired before resolution")
		}
	}
	return live, nil
}

// decide applies the resolution rules to a snapshot of live intents in
// creation order.
func decide(pending []*models.PendingIntent, c Classification) *Outcome {
	out := &Outcome{Classification: c}
	switch {
	case len(pending) == 0:
		out.Kind = NoPending
		return out
	case c.Kind == KindUnrelated:
		out.Kind = NotAConfirmation
		return out
	}

	decision := DecisionConfirm
	if c.Kind == KindCancel {
		decision = DecisionCancel
	}

	if len(pending) == 1 {
		if c.HasChoice() && c.Choice != 1 {
			out.Kind = InvalidChoice
			out.Options = options(pending)
			return out
		}
		out.Kind = Resolved
		out.Decision = decision
		out.Intent = pending[0]
		return out
	}

	if c.HasChoice() && c.Choice >= 1 && c.Choice <= len(pending) {
		out.Kind = Resolved
		out.Decision = decision
		out.Intent = pending[c.Choice-1]
		return out
	}
	out.Kind = Ambiguous
	out.Options = options(pending)
	return out
}

func options(pending []*models.PendingIntent) []Option {
	opts := make([]Option, len(pending))
	for i, intent := range pending {
		opts[i] = Option{Number: i + 1, Intent: intent}
	}
	return opts
}
