package intents

import (
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/intentgate/pkg/models"
)

// DefaultTTL is how long an intent waits for confirmation when neither the
// request nor the action type sets a TTL.
const DefaultTTL = 15 * time.Minute

// FailurePolicy decides what happens to an intent when its executor fails.
type FailurePolicy string

const (
	// FailureRollback returns the intent to pending so the user may retry.
	FailureRollback FailurePolicy = "rollback"
	// FailureFail parks the intent in failed for manual review. Use it for
	// actions that are not safe to repeat after a partial failure.
	FailureFail FailurePolicy = "fail"
)

// ParseFailurePolicy maps a configuration string to a FailurePolicy.
func ParseFailurePolicy(s string) (FailurePolicy, bool) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case FailureRollback, "":
		return FailureRollback, true
	case FailureFail:
		return FailureFail, true
	default:
		return "", false
	}
}

// ActionConfig holds the per action type settings.
type ActionConfig struct {
	// TTL overrides the default TTL when positive.
	TTL       time.Duration
	OnFailure FailurePolicy
}

// ExpiryPolicy computes and checks intent expiry. It also owns the set of
// registered action types and their failure policies, since both are keyed
// by action type and configured together.
type ExpiryPolicy struct {
	defaultTTL time.Duration
	actions    map[models.ActionType]ActionConfig
}

// BuiltinActions returns the settings of the built-in action types.
func BuiltinActions() map[models.ActionType]ActionConfig {
	return map[models.ActionType]ActionConfig{
		models.ActionSendEmail:       {OnFailure: FailureRollback},
		models.ActionCreateFiling:    {OnFailure: FailureFail},
		models.ActionInitiatePayment: {OnFailure: FailureFail},
	}
}

// NewExpiryPolicy builds a policy. A non-positive defaultTTL falls back to
// DefaultTTL; a nil actions map registers the built-in action types.
func NewExpiryPolicy(defaultTTL time.Duration, actions map[models.ActionType]ActionConfig) *ExpiryPolicy {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	if actions == nil {
		actions = BuiltinActions()
	}
	copied := make(map[models.ActionType]ActionConfig, len(actions))
	for actionType, cfg := range actions {
		if cfg.OnFailure == "" {
			cfg.OnFailure = FailureRollback
		}
		copied[actionType] = cfg
	}
	return &ExpiryPolicy{defaultTTL: defaultTTL, actions: copied}
}

// DefaultPolicy returns a policy with DefaultTTL and the built-in actions.
func DefaultPolicy() *ExpiryPolicy {
	return NewExpiryPolicy(DefaultTTL, nil)
}

// DefaultTTL returns the TTL used when an action type has no override.
func (p *ExpiryPolicy) DefaultTTL() time.Duration {
	return p.defaultTTL
}

// TTLFor returns the TTL for actionType.
func (p *ExpiryPolicy) TTLFor(actionType models.ActionType) time.Duration {
	if cfg, ok := p.actions[actionType]; ok && cfg.TTL > 0 {
		return cfg.TTL
	}
	return p.defaultTTL
}

// ExpiresAt returns the expiry instant for an intent created at createdAt.
func (p *ExpiryPolicy) ExpiresAt(createdAt time.Time, ttl time.Duration) time.Time {
	return createdAt.Add(ttl)
}

// IsExpired reports whether intent is pending and past its expiry. Both the
// lazy checks and SweepExpired use this predicate.
func (p *ExpiryPolicy) IsExpired(intent *models.PendingIntent, now time.Time) bool {
	if intent == nil || intent.Status != models.IntentPending {
		return false
	}
	return !now.Before(intent.ExpiresAt)
}

// Registered reports whether actionType is known.
func (p *ExpiryPolicy) Registered(actionType models.ActionType) bool {
	_, ok := p.actions[actionType]
	return ok
}

// FailurePolicyFor returns how executor failures are handled for actionType.
func (p *ExpiryPolicy) FailurePolicyFor(actionType models.ActionType) FailurePolicy {
	if cfg, ok := p.actions[actionType]; ok && cfg.OnFailure != "" {
		return cfg.OnFailure
	}
	return FailureRollback
}

// ActionTypes lists the registered action types in sorted order.
func (p *ExpiryPolicy) ActionTypes() []models.ActionType {
	out := make([]models.ActionType, 0, len(p.actions))
	for actionType := range p.actions {
		out = append(out, actionType)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
