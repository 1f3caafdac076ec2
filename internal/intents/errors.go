package intents

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed creation request.
	ErrValidation = errors.New("invalid intent")
	// ErrNotFound is returned for an unknown intent id.
	ErrNotFound = errors.New("intent not found")
	// ErrInvalidTransition is returned for a status change that is not an
	// edge of the state machine. It is raised before storage is touched.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError describes which field of a CreateRequest was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid intent: %s %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
