package intents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/intentgate/pkg/models"
)

// MemoryStore keeps intents in memory. The mutex stands in for the row
// level atomicity a database gives the other stores.
type MemoryStore struct {
	builder

	mu      sync.Mutex
	intents map[string]*models.PendingIntent
	keys    []string
}

// NewMemoryStore returns a new in-memory intent store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		builder: newBuilder(opts),
		intents: make(map[string]*models.PendingIntent),
	}
}

// Create stores a new pending intent, or returns the pending or executing
// duplicate.
func (s *MemoryStore) Create(ctx context.Context, req CreateRequest) (*models.PendingIntent, error) {
	intent, _, err := s.build(req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.keys {
		existing := s.intents[id]
		if !isLive(existing.Status) ||
			existing.SessionID != intent.SessionID ||
			existing.PayloadHash != intent.PayloadHash {
			continue
		}
		if !s.policy.IsExpired(existing, intent.CreatedAt) {
			return existing.Clone(), nil
		}
		applyTransition(existing, expiredTransition(existing.ID, intent.CreatedAt, "superseded by new request"))
	}

	s.intents[intent.ID] = intent
	s.keys = append(s.keys, intent.ID)
	return intent.Clone(), nil
}

// ListPending returns the session's pending intents in creation order.
func (s *MemoryStore) ListPending(ctx context.Context, sessionID string) ([]*models.PendingIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PendingIntent
	for _, id := range s.keys {
		intent := s.intents[id]
		if intent.SessionID == sessionID && intent.Status == models.IntentPending {
			out = append(out, intent.Clone())
		}
	}
	return out, nil
}

// Get returns an intent by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.PendingIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[id]
	if !ok {
		return nil, fmt.Errorf("get intent %s: %w", id, ErrNotFound)
	}
	return intent.Clone(), nil
}

// TryTransition applies t if the intent is currently in t.From.
func (s *MemoryStore) TryTransition(ctx context.Context, t Transition) (bool, error) {
	if err := t.validate(); err != nil {
		return false, err
	}
	t = s.stamp(t)

	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[t.ID]
	if !ok || intent.Status != t.From {
		return false, nil
	}
	applyTransition(intent, t)
	return true, nil
}

// MarkCancelled moves a pending intent to cancelled.
func (s *MemoryStore) MarkCancelled(ctx context.Context, id string) (bool, error) {
	return s.TryTransition(ctx, Transition{ID: id, From: models.IntentPending, To: models.IntentCancelled, Note: "cancelled by user"})
}

// SweepExpired expires every pending intent the policy considers expired.
func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	at := now.UTC().Truncate(time.Microsecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := 0
	for _, id := range s.keys {
		intent := s.intents[id]
		if s.policy.IsExpired(intent, now) {
			applyTransition(intent, expiredTransition(id, at, "ttl elapsed"))
			swept++
		}
	}
	return swept, nil
}

// ListStuck returns intents that have been executing for at least olderThan.
func (s *MemoryStore) ListStuck(ctx context.Context, olderThan time.Duration, now time.Time) ([]*models.PendingIntent, error) {
	cutoff := now.Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PendingIntent
	for _, id := range s.keys {
		intent := s.intents[id]
		if intent.Status == models.IntentExecuting && intent.ExecutingAt != nil && !intent.ExecutingAt.After(cutoff) {
			out = append(out, intent.Clone())
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
