package session

import (
	"errors"
	"fmt"
)

// Common errors for session and dead-letter operations.
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)

// ConcurrencyError reports a failed compare-and-set commit: the stored
// version no longer matched the expected one because another writer won.
// It is a distinguished result kind, not a generic failure; the retry
// engine matches on it and re-executes against a fresh session read.
type ConcurrencyError struct {
	Identity        string
	ExpectedVersion int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict for session %s (expected %d)", e.Identity, e.ExpectedVersion)
}

// IsConcurrencyError reports whether err is (or wraps) a ConcurrencyError.
func IsConcurrencyError(err error) bool {
	var ce *ConcurrencyError
	return errors.As(err, &ce)
}

// ValidationError reports malformed user input. The handler replies with
// guidance and the session stays in the same state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid input: %s", e.Reason)
	}
	return fmt.Sprintf("invalid input for %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
