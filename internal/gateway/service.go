// Package gateway exposes the confirmation engine to transports: a Service
// that turns chat messages into confirmations, and the HTTP API around it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/intentgate/internal/audit"
	"github.com/haasonsaas/intentgate/internal/cache"
	"github.com/haasonsaas/intentgate/internal/guard"
	"github.com/haasonsaas/intentgate/internal/intents"
	"github.com/haasonsaas/intentgate/internal/observability"
	"github.com/haasonsaas/intentgate/internal/resolver"
	"github.com/haasonsaas/intentgate/pkg/models"
)

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Store    intents.Store
	Resolver *resolver.Resolver
	Guard    *guard.Guard
	Executor guard.Executor
	Metrics  *observability.Metrics
	Audit    *audit.Logger
	// Dedupe bounds the window in which a redelivered message id gets its
	// first reply back.
	Dedupe cache.Options
	Logger *slog.Logger
}

// Service glues the store, resolver and guard together.
type Service struct {
	store    intents.Store
	resolver *resolver.Resolver
	guard    *guard.Guard
	executor guard.Executor
	metrics  *observability.Metrics
	audit    *audit.Logger
	replies  *cache.ReplyCache[*Reply]
	logger   *slog.Logger
}

// NewService validates config and creates a Service.
func NewService(config ServiceConfig) (*Service, error) {
	switch {
	case config.Store == nil:
		return nil, errors.New("gateway: store is required")
	case config.Resolver == nil:
		return nil, errors.New("gateway: resolver is required")
	case config.Guard == nil:
		return nil, errors.New("gateway: guard is required")
	case config.Executor == nil:
		return nil, errors.New("gateway: executor is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default().With("component", "gateway")
	}
	return &Service{
		store:    config.Store,
		resolver: config.Resolver,
		guard:    config.Guard,
		executor: config.Executor,
		metrics:  config.Metrics,
		audit:    config.Audit,
		replies:  cache.NewReplyCache[*Reply](config.Dedupe),
		logger:   config.Logger,
	}, nil
}

// CreateIntent stores a new pending intent, or returns the live duplicate.
func (s *Service) CreateIntent(ctx context.Context, req intents.CreateRequest) (*models.PendingIntent, error) {
	intent, err := s.store.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordIntentCreated(string(intent.ActionType))
	s.audit.LogCreated(ctx, intent)
	s.logger.InfoContext(ctx, "intent created",
		"intent_id", intent.ID,
		"session_id", intent.SessionID,
		"action_type", intent.ActionType,
		"tool_name", intent.ToolName,
	)
	return intent, nil
}

// ListPending returns the session's live pending intents in creation order.
func (s *Service) ListPending(ctx context.Context, sessionID string) ([]*models.PendingIntent, error) {
	return s.resolver.LivePending(ctx, sessionID)
}

// GetIntent returns an intent in any state.
func (s *Service) GetIntent(ctx context.Context, id string) (*models.PendingIntent, error) {
	return s.store.Get(ctx, id)
}

// Resolve classifies text against the session's pending intents without
// acting on it.
func (s *Service) Resolve(ctx context.Context, sessionID, text string) (*resolver.Outcome, error) {
	return s.resolver.Resolve(ctx, sessionID, text)
}

// ConfirmOrCancel applies decision to the intent with the given id.
func (s *Service) ConfirmOrCancel(ctx context.Context, id string, decision resolver.Decision) (*guard.Result, error) {
	switch decision {
	case resolver.DecisionConfirm:
		return s.guard.ConfirmAndExecute(ctx, id, s.executor)
	case resolver.DecisionCancel:
		return s.guard.Cancel(ctx, id)
	default:
		return nil, fmt.Errorf("unknown decision %q", decision)
	}
}

// Reply is the user-facing answer to a chat message.
type Reply struct {
	// Handled is false when the message was ordinary input and should go to
	// the conversation as usual.
	Handled bool                  `json:"handled"`
	Text    string                `json:"text,omitempty"`
	Kind    resolver.OutcomeKind  `json:"kind"`
	Intent  *models.PendingIntent `json:"intent,omitempty"`
	Options []resolver.Option     `json:"options,omitempty"`
	Outcome guard.Outcome         `json:"outcome,omitempty"`
	Output  any                   `json:"output,omitempty"`
	// Replayed marks a reply returned again for a redelivered message.
	Replayed bool `json:"replayed,omitempty"`
}

// HandleMessageOnce is HandleMessage for transports that redeliver
// messages. A message id seen within the dedupe window gets the reply its
// first delivery produced instead of being resolved again. An empty
// messageID disables deduplication.
//
// Concurrent deliveries of one message share a single resolution, which
// runs detached from the first caller's cancellation.
func (s *Service) HandleMessageOnce(ctx context.Context, sessionID, messageID, text string) (*Reply, error) {
	key := cache.MessageKey(sessionID, messageID)
	flightCtx := ctx
	if key != "" {
		flightCtx = context.WithoutCancel(ctx)
	}
	reply, replayed, err := s.replies.Do(key, func() (*Reply, error) {
		return s.HandleMessage(flightCtx, sessionID, text)
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		s.logger.DebugContext(ctx, "replayed reply for redelivered message",
			"session_id", sessionID,
			"message_id", messageID,
		)
		again := *reply
		again.Replayed = true
		return &again, nil
	}
	return reply, nil
}

// HandleMessage resolves text and, when it picks an intent, confirms or
// cancels it. Guard errors that describe the intent's state become reply
// text; only infrastructure errors are returned.
func (s *Service) HandleMessage(ctx context.Context, sessionID, text string) (*Reply, error) {
	ctx = observability.AddSessionID(ctx, sessionID)
	outcome, err := s.resolver.Resolve(ctx, sessionID, text)
	if err != nil {
		return nil, err
	}

	reply := &Reply{Kind: outcome.Kind}
	switch outcome.Kind {
	case resolver.NoPending, resolver.NotAConfirmation:
		return reply, nil
	case resolver.Ambiguous:
		reply.Handled = true
		reply.Options = outcome.Options
		reply.Text = menu(fmt.Sprintf("You have %d pending actions. Reply with a number to choose:", len(outcome.Options)), outcome.Options)
		return reply, nil
	case resolver.InvalidChoice:
		reply.Handled = true
		reply.Options = outcome.Options
		header := "That option does not exist. Reply with one of:"
		if len(outcome.Options) == 1 {
			header = "There is only one pending action. Reply yes to confirm or no to cancel:"
		}
		reply.Text = menu(header, outcome.Options)
		return reply, nil
	}

	reply.Handled = true
	reply.Intent = outcome.Intent
	result, err := s.ConfirmOrCancel(ctx, outcome.Intent.ID, outcome.Decision)
	if err != nil {
		msg, ok := errorText(err)
		if !ok {
			return nil, err
		}
		s.logger.InfoContext(ctx, "confirmation refused",
			"intent_id", outcome.Intent.ID,
			"decision", outcome.Decision,
			"error", err,
		)
		reply.Text = msg
		return reply, nil
	}

	reply.Outcome = result.Outcome
	reply.Output = result.Output
	if result.Intent != nil {
		reply.Intent = result.Intent
	}
	reply.Text = resultText(result)
	return reply, nil
}

func resultText(result *guard.Result) string {
	preview := ""
	if result.Intent != nil {
		preview = result.Intent.PreviewText
	}
	switch result.Outcome {
	case guard.OutcomeExecuted:
		return "Done: " + preview
	case guard.OutcomeAlreadyExecuted:
		return "That action was already done."
	case guard.OutcomeInProgress:
		return "That action is in progress, retry shortly."
	case guard.OutcomeCancelled:
		return "Cancelled: " + preview
	default:
		return string(result.Outcome)
	}
}

// errorText maps guard errors about the intent's state to reply text. It
// reports false for errors the caller must handle.
func errorText(err error) (string, bool) {
	var execErr *guard.ExecutorError
	switch {
	case errors.Is(err, guard.ErrExpired):
		return "That action expired, please request a new preview.", true
	case errors.Is(err, guard.ErrCancelled):
		return "That action was cancelled.", true
	case errors.Is(err, guard.ErrManualReview):
		return "That action failed earlier and is waiting for manual review.", true
	case errors.As(err, &execErr):
		if execErr.Retryable {
			return "The action failed and nothing was done. Reply yes to try again.", true
		}
		return "The action failed and needs manual review.", true
	case errors.Is(err, intents.ErrNotFound):
		return "That action no longer exists.", true
	default:
		return "", false
	}
}

func menu(header string, options []resolver.Option) string {
	var b strings.Builder
	b.WriteString(header)
	for _, opt := range options {
		fmt.Fprintf(&b, "\n%d. %s", opt.Number, opt.Intent.PreviewText)
	}
	return b.String()
}
