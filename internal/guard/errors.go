package guard

import (
	"errors"
	"fmt"
)

var (
	// ErrExpired indicates the intent expired before it was confirmed.
	ErrExpired = errors.New("intent expired")

	// ErrCancelled indicates the intent was cancelled.
	ErrCancelled = errors.New("intent cancelled")

	// ErrManualReview indicates the intent failed and needs an operator.
	ErrManualReview = errors.New("intent failed, manual review required")

	// ErrExecutorPanic indicates the executor panicked.
	ErrExecutorPanic = errors.New("executor panicked")
)

// ExecutorError reports an executor failure after the failure policy ran.
// Retryable is true when the intent went back to pending.
type ExecutorError struct {
	IntentID  string
	ToolName  string
	Retryable bool
	Err       error
}

func (e *ExecutorError) Error() string {
	state := "marked failed"
	if e.Retryable {
		state = "returned to pending"
	}
	return fmt.Sprintf("executor %s failed for intent %s (%s): %v", e.ToolName, e.IntentID, state, e.Err)
}

func (e *ExecutorError) Unwrap() error {
	return e.Err
}
