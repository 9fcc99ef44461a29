package orchestrator

import (
	"errors"
	"fmt"
)

// NotFoundError indicates an unknown project or execution ID.
// Surfaced to callers as a 404, never retried.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// IsNotFoundError checks if the error is or wraps a NotFoundError
func IsNotFoundError(err error) bool {
	var nf *NotFoundError
	return err != nil && errors.As(err, &nf)
}

// ValidationError indicates a malformed run request; the run is never
// created and the error is thrown synchronously.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Reason)
}

// NewValidationError creates a new ValidationError
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidationError checks if the error is or wraps a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return err != nil && errors.As(err, &ve)
}
