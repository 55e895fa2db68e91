package errors

import (
	"fmt"
	"time"
)

// CategorizedError is the classified form of any provider call failure.
// It carries the category used by retry decisions, a human-readable message
// suitable for a job record, and the original cause for errors.Is/As.
type CategorizedError struct {
	Type       ErrorType      `json:"type"`
	Message    string         `json:"message"`
	Code       string         `json:"code"`
	Retryable  bool           `json:"retryable"`
	RetryAfter time.Duration  `json:"retry_after"`
	Details    map[string]any `json:"details"`
	Cause      error          `json:"-"`
}

// Error returns the message prefixed with its category.
func (e *CategorizedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error { return e.Cause }

// Delay returns how long to wait before retrying. A server-provided
// Retry-After wins over the category's suggested delay.
func (e *CategorizedError) Delay() time.Duration {
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	return e.Type.SuggestedDelay()
}
