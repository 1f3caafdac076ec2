package intents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/intentgate/internal/preview"
	"github.com/haasonsaas/intentgate/pkg/models"
)

// Store persists pending intents. TryTransition is the only way a status
// changes; every implementation performs it as a single conditional update.
type Store interface {
	// Create validates and stores a new pending intent. A live intent
	// (pending or executing) with the same session and payload hash is
	// returned instead, so a failed execution can always roll back.
	Create(ctx context.Context, req CreateRequest) (*models.PendingIntent, error)
	// ListPending returns the session's pending intents in creation order.
	// Expired rows that have not been swept yet are included.
	ListPending(ctx context.Context, sessionID string) ([]*models.PendingIntent, error)
	// Get returns an intent by id or ErrNotFound.
	Get(ctx context.Context, id string) (*models.PendingIntent, error)
	// TryTransition moves an intent from t.From to t.To if it is currently in
	// t.From. It reports whether this call made the change.
	TryTransition(ctx context.Context, t Transition) (bool, error)
	// MarkCancelled moves a pending intent to cancelled.
	MarkCancelled(ctx context.Context, id string) (bool, error)
	// SweepExpired moves every expired pending intent to expired and returns
	// how many it moved.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	// ListStuck returns executing intents whose executing_at is at least
	// olderThan before now.
	ListStuck(ctx context.Context, olderThan time.Duration, now time.Time) ([]*models.PendingIntent, error)
	Close() error
}

// CreateRequest is what an intent producer submits.
type CreateRequest struct {
	SessionID  string
	ActionType models.ActionType
	ToolName   string
	Arguments  map[string]any
	// TTL overrides the action type's TTL. Zero creates an intent that is
	// already expired; nil uses the policy.
	TTL *time.Duration
	// Preview is the producer's draft preview. It is always sanitized; when
	// empty a preview is rendered from the action type and arguments.
	Preview string
}

// Transition is a requested status change.
type Transition struct {
	ID   string
	From models.IntentStatus
	To   models.IntentStatus
	// At stamps the transition. Zero means the store's clock.
	At   time.Time
	Note string
}

func (t Transition) validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return invalid("id", "is required")
	}
	if !models.CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: intent %s %s -> %s", ErrInvalidTransition, t.ID, t.From, t.To)
	}
	return nil
}

// noteLine formats the audit line appended to Notes for a transition.
func noteLine(t Transition) string {
	line := fmt.Sprintf("%s %s->%s", t.At.UTC().Format(time.RFC3339), t.From, t.To)
	if note := strings.Join(strings.Fields(t.Note), " "); note != "" {
		line += ": " + preview.RedactSecrets(note)
	}
	return line + "\n"
}

// Options configure every Store implementation.
type Options struct {
	Policy  *ExpiryPolicy
	Preview preview.FieldPolicy
	// Validator checks arguments against per action type schemas. Nil
	// accepts any arguments.
	Validator *SchemaValidator
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// builder holds the logic shared by all stores for turning a CreateRequest
// into a new pending intent.
type builder struct {
	policy    *ExpiryPolicy
	preview   preview.FieldPolicy
	validator *SchemaValidator
	clock     func() time.Time
}

func newBuilder(opts Options) builder {
	b := builder{policy: opts.Policy, preview: opts.Preview, validator: opts.Validator, clock: opts.Now}
	if b.policy == nil {
		b.policy = DefaultPolicy()
	}
	if b.clock == nil {
		b.clock = time.Now
	}
	return b
}

// now returns the store clock in UTC at microsecond precision, the finest
// resolution every backend keeps.
func (b builder) now() time.Time {
	return b.clock().UTC().Truncate(time.Microsecond)
}

func (b builder) stamp(t Transition) Transition {
	if t.At.IsZero() {
		t.At = b.now()
	} else {
		t.At = t.At.UTC().Truncate(time.Microsecond)
	}
	return t
}

// Policy returns the expiry policy the store validates against.
func (b builder) Policy() *ExpiryPolicy {
	return b.policy
}

func (b builder) build(req CreateRequest) (*models.PendingIntent, []byte, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, nil, invalid("session_id", "is required")
	}
	if strings.TrimSpace(req.ToolName) == "" {
		return nil, nil, invalid("tool_name", "is required")
	}
	if len(req.Arguments) == 0 {
		return nil, nil, invalid("arguments", "must not be empty")
	}
	if !b.policy.Registered(req.ActionType) {
		return nil, nil, invalid("action_type", fmt.Sprintf("%q is not registered", req.ActionType))
	}
	ttl := b.policy.TTLFor(req.ActionType)
	if req.TTL != nil {
		if *req.TTL < 0 {
			return nil, nil, invalid("ttl", "must not be negative")
		}
		ttl = *req.TTL
	}

	args, canonical, err := normalizeArguments(req.Arguments)
	if err != nil {
		return nil, nil, &ValidationError{Field: "arguments", Reason: err.Error()}
	}
	if err := b.validator.Validate(req.ActionType, args); err != nil {
		return nil, nil, err
	}
	raw := req.Preview
	if strings.TrimSpace(raw) == "" {
		raw = preview.Render(string(req.ActionType), args)
	}

	now := b.now()
	intent := &models.PendingIntent{
		ID:          uuid.NewString(),
		SessionID:   req.SessionID,
		ActionType:  req.ActionType,
		ToolName:    req.ToolName,
		Arguments:   args,
		PayloadHash: hashWithDomain(payloadHashDomain, canonical),
		PreviewText: preview.Sanitize(raw, b.preview),
		Status:      models.IntentPending,
		CreatedAt:   now,
		ExpiresAt:   b.policy.ExpiresAt(now, ttl),
	}
	return intent, canonical, nil
}

// applyTransition mutates intent in memory the way a store's conditional
// update does in storage.
func applyTransition(intent *models.PendingIntent, t Transition) {
	intent.Status = t.To
	at := t.At
	switch t.To {
	case models.IntentExecuting:
		intent.ExecutingAt = &at
	case models.IntentPending:
		intent.ExecutingAt = nil
	case models.IntentExecuted:
		intent.ExecutedAt = &at
	}
	intent.Notes += noteLine(t)
}

// isLive reports whether status still holds the dedupe slot for its
// session and payload hash.
func isLive(status models.IntentStatus) bool {
	return status == models.IntentPending || status == models.IntentExecuting
}

func expiredTransition(id string, at time.Time, note string) Transition {
	return Transition{ID: id, From: models.IntentPending, To: models.IntentExpired, At: at, Note: note}
}
