package models

import (
	"encoding/json"
	"time"
)

// IntentStatus is the lifecycle state of a pending intent.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentExecuting IntentStatus = "executing"
	IntentExecuted  IntentStatus = "executed"
	IntentFailed    IntentStatus = "failed"
	IntentCancelled IntentStatus = "cancelled"
	IntentExpired   IntentStatus = "expired"
)

// IsTerminal reports whether no automatic transition leaves the status.
// Failed intents are terminal until an operator reviews them.
func (s IntentStatus) IsTerminal() bool {
	switch s {
	case IntentExecuted, IntentFailed, IntentCancelled, IntentExpired:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s IntentStatus) Valid() bool {
	switch s {
	case IntentPending, IntentExecuting, IntentExecuted, IntentFailed, IntentCancelled, IntentExpired:
		return true
	default:
		return false
	}
}

// allowedTransitions lists every edge of the intent state machine.
// Executing -> pending is the rollback taken when an executor fails and the
// action's failure policy permits a retry.
var allowedTransitions = map[IntentStatus][]IntentStatus{
	IntentPending:   {IntentExecuting, IntentCancelled, IntentExpired},
	IntentExecuting: {IntentExecuted, IntentFailed, IntentPending},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to IntentStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ActionType tags the kind of side effect an intent performs.
type ActionType string

const (
	ActionSendEmail       ActionType = "SEND_EMAIL"
	ActionCreateFiling    ActionType = "CREATE_FILING"
	ActionInitiatePayment ActionType = "INITIATE_PAYMENT"
)

// PendingIntent is a durable record of a side-effecting action awaiting
// human confirmation. Arguments are the canonical arguments handed to the
// executor; they are never re-derived from conversation state.
type PendingIntent struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	ActionType  ActionType     `json:"action_type"`
	ToolName    string         `json:"tool_name"`
	Arguments   map[string]any `json:"arguments"`
	PayloadHash string         `json:"payload_hash"`
	PreviewText string         `json:"preview_text"`
	Status      IntentStatus   `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	ExecutingAt *time.Time     `json:"executing_at,omitempty"`
	ExecutedAt  *time.Time     `json:"executed_at,omitempty"`
	Notes       string         `json:"notes,omitempty"`
}

// Clone returns a deep copy of the intent.
func (p *PendingIntent) Clone() *PendingIntent {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Arguments = CloneArguments(p.Arguments)
	if p.ExecutingAt != nil {
		t := *p.ExecutingAt
		clone.ExecutingAt = &t
	}
	if p.ExecutedAt != nil {
		t := *p.ExecutedAt
		clone.ExecutedAt = &t
	}
	return &clone
}

// CloneArguments deep-copies a JSON-shaped argument map.
func CloneArguments(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CloneArguments(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case json.RawMessage:
		return append(json.RawMessage(nil), typed...)
	default:
		return v
	}
}
