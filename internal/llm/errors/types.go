package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType categorizes provider call failures for retry classification.
// The category decides whether the resilience layer retries and how long it
// waits before doing so.
type ErrorType string

const (
	// ErrorTypeRateLimit indicates the provider throttled the request (retryable).
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeNetwork indicates connectivity problems reaching the provider (retryable).
	ErrorTypeNetwork ErrorType = "network_error"

	// ErrorTypeTimeout indicates the call did not settle in time (retryable).
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeProvider indicates a permanent provider-side rejection such as a
	// missing credential or an unknown model (non-retryable).
	ErrorTypeProvider ErrorType = "provider_error"

	// ErrorTypeValidation indicates malformed input (non-retryable).
	ErrorTypeValidation ErrorType = "validation_error"

	// ErrorTypeUnknown indicates an unclassified error (non-retryable).
	ErrorTypeUnknown ErrorType = "unknown"
)

// Suggested delays applied before retrying a given category.
const (
	RateLimitDelay = 60 * time.Second
	NetworkDelay   = 5 * time.Second
	TimeoutDelay   = 2 * time.Second
)

// IsRetryable reports whether failures of this category are transient.
// Exactly rate_limit, network_error and timeout are retried.
func (t ErrorType) IsRetryable() bool {
	switch t {
	case ErrorTypeRateLimit, ErrorTypeNetwork, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// SuggestedDelay returns the category's preferred wait before a retry, or
// zero when the category has no suggestion and backoff should be used.
func (t ErrorType) SuggestedDelay() time.Duration {
	switch t {
	case ErrorTypeRateLimit:
		return RateLimitDelay
	case ErrorTypeNetwork:
		return NetworkDelay
	case ErrorTypeTimeout:
		return TimeoutDelay
	default:
		return 0
	}
}

// Common provider errors.
var (
	// ErrProviderNotFound indicates no provider is registered under a name.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrUnknownModel indicates the provider does not serve the requested model.
	ErrUnknownModel = errors.New("invalid model")

	// ErrMissingAPIKey indicates a provider was used without its credential.
	ErrMissingAPIKey = errors.New("API key not configured")

	// ErrInvalidResponse indicates the provider returned a body that could not be decoded.
	ErrInvalidResponse = errors.New("malformed provider response")

	// ErrStreamingUnsupported indicates the provider has no incremental mode.
	ErrStreamingUnsupported = errors.New("streaming not supported")
)

// ProviderError captures a structured error response from an LLM provider.
// Adapters build it at the HTTP boundary so classification never has to sniff
// the message text.
type ProviderError struct {
	Provider   string    `json:"provider"`
	StatusCode int       `json:"status_code"`
	Message    string    `json:"message"`
	Code       string    `json:"code"`
	Type       ErrorType `json:"type"`
	RetryAfter int       `json:"retry_after"` // Retry-After header value in seconds
}

// Error returns the provider error with its status code.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// IsRetryable reports whether the provider error warrants another attempt.
func (e *ProviderError) IsRetryable() bool {
	return e.Type.IsRetryable()
}

// GetRetryAfter implements RetryAfterProvider.
func (e *ProviderError) GetRetryAfter() time.Duration {
	if e.RetryAfter > 0 {
		return time.Duration(e.RetryAfter) * time.Second
	}
	return 0
}

// ConfigurationError reports a provider that cannot be used as configured,
// typically because its API key is absent. It is never retried.
type ConfigurationError struct {
	Provider string `json:"provider"`
	Setting  string `json:"setting"`
	Message  string `json:"message"`
}

// Error returns a descriptive message naming the provider and setting.
func (e *ConfigurationError) Error() string {
	if e.Setting != "" {
		return fmt.Sprintf("%s configuration error (%s): %s", e.Provider, e.Setting, e.Message)
	}
	return fmt.Sprintf("%s configuration error: %s", e.Provider, e.Message)
}

// Unwrap lets errors.Is match ErrMissingAPIKey for credential failures.
func (e *ConfigurationError) Unwrap() error {
	if e.Setting == "api_key" {
		return ErrMissingAPIKey
	}
	return nil
}

// MissingAPIKey builds the configuration error raised before any network call
// when a provider has no credential.
func MissingAPIKey(provider, envVar string) *ConfigurationError {
	return &ConfigurationError{
		Provider: provider,
		Setting:  "api_key",
		Message:  fmt.Sprintf("API key missing; set %s", envVar),
	}
}

// TimeoutError is raised when the resilience layer stops waiting on a call.
// The underlying call may still be running.
type TimeoutError struct {
	Label   string        `json:"label"`
	Timeout time.Duration `json:"timeout"`
}

// Error returns the timeout with the call label.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Label, e.Timeout)
}

// RetryAfterProvider is implemented by errors that carry a server-provided
// retry delay.
type RetryAfterProvider interface {
	GetRetryAfter() time.Duration
}
