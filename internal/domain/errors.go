package domain

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable wraps transient store failures. It is the only error
// the engine surfaces as unexpected; callers fail open on it.
var ErrStoreUnavailable = errors.New("store unavailable")

// Verification outcomes. These are reported through VerifyResult.Cause and
// are never returned as errors from the challenge service.
var (
	ErrChallengeNotFound   = errors.New("challenge not found")
	ErrChallengeExpired    = errors.New("challenge expired")
	ErrInvalidSolution     = errors.New("invalid solution")
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")
)

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
