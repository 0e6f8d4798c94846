package models

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is wrapped by every ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when a project has no stored record.
	ErrNotFound = errors.New("not found")
	// ErrConcurrentRun is returned when a learning run for the same project
	// is already in flight.
	ErrConcurrentRun = errors.New("learning run already in progress")
)

// ValidationError reports a malformed input. State is never changed when it
// is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
