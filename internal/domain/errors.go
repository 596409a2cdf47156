package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrConcurrencyLimit = errors.New("concurrency limit exceeded")
)

// ValidationError rejects a submission before admission. It never creates a
// job and is never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// InsufficientTokensError reports a failed balance debit at admission time,
// carrying the fixed operation cost and the balance that was available.
type InsufficientTokensError struct {
	Cost      int
	Available int
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("insufficient tokens: need %d, have %d", e.Cost, e.Available)
}
