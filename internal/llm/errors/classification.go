package errors

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Classify maps any error onto the provider failure taxonomy.
// Typed errors produced at the provider boundary are checked first, then
// sentinel errors, and message sniffing is used only as a last resort for
// opaque third-party errors. The fallback is best-effort: an unrelated
// message that happens to mention "timeout" will be treated as one.
func Classify(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	if c := classifyTypedErrors(err); c != nil {
		return c
	}

	if c := classifySentinelErrors(err); c != nil {
		return c
	}

	return classifyStringPatternErrors(err)
}

// Category returns only the category of err, ErrorTypeUnknown for nil.
func Category(err error) ErrorType {
	if c := Classify(err); c != nil {
		return c.Type
	}
	return ErrorTypeUnknown
}

// IsRetryable reports whether err belongs to a retryable category.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}

func categorized(t ErrorType, code string, err error) *CategorizedError {
	return &CategorizedError{
		Type:      t,
		Message:   err.Error(),
		Code:      code,
		Retryable: t.IsRetryable(),
		Cause:     err,
	}
}

// classifyTypedErrors handles errors whose Go type already fixes the category.
func classifyTypedErrors(err error) *CategorizedError {
	var already *CategorizedError
	if errors.As(err, &already) {
		return already
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		t := providerErr.Type
		if t == "" {
			t = ErrorTypeUnknown
		}
		c := categorized(t, providerErr.Code, err)
		c.Message = providerErr.Message
		c.RetryAfter = providerErr.GetRetryAfter()
		c.Details = map[string]any{
			"provider":    providerErr.Provider,
			"status_code": providerErr.StatusCode,
		}
		return c
	}

	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		c := categorized(ErrorTypeProvider, "CONFIGURATION", err)
		c.Details = map[string]any{"provider": cfgErr.Provider, "setting": cfgErr.Setting}
		return c
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		c := categorized(ErrorTypeTimeout, "TIMEOUT", err)
		c.Details = map[string]any{"label": timeoutErr.Label, "timeout": timeoutErr.Timeout.String()}
		return c
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return categorized(ErrorTypeTimeout, "DEADLINE", err)
	}

	// Cancellation of the caller's context is not a provider failure and must
	// never be retried.
	if errors.Is(err, context.Canceled) {
		return categorized(ErrorTypeUnknown, "CANCELED", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return categorized(ErrorTypeTimeout, "NET_TIMEOUT", err)
		}
		return categorized(ErrorTypeNetwork, "NETWORK", err)
	}

	return nil
}

// classifySentinelErrors handles package sentinels.
func classifySentinelErrors(err error) *CategorizedError {
	switch {
	case errors.Is(err, ErrProviderNotFound),
		errors.Is(err, ErrUnknownModel),
		errors.Is(err, ErrMissingAPIKey),
		errors.Is(err, ErrStreamingUnsupported):
		return categorized(ErrorTypeProvider, "PROVIDER", err)
	case errors.Is(err, ErrInvalidResponse):
		return categorized(ErrorTypeValidation, "MALFORMED", err)
	}
	return nil
}

var (
	rateLimitPatterns  = []string{"429", "rate limit", "ratelimit", "too many requests"}
	providerPatterns   = []string{"api key", "apikey", "unauthorized", "invalid model", "model not found", "forbidden"}
	timeoutPatterns    = []string{"timeout", "timed out", "etimedout", "deadline exceeded"}
	networkPatterns    = []string{"econnrefused", "econnreset", "enotfound", "network", "socket hang up", "connection refused", "connection reset", "broken pipe"}
	validationPatterns = []string{"validation", "malformed", "invalid request"}
)

func containsAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// classifyStringPatternErrors inspects the message of untyped errors.
// Credential and model patterns are checked before timeout/network so that a
// message like "invalid API key (request timeout 30s)" is not retried.
func classifyStringPatternErrors(err error) *CategorizedError {
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, rateLimitPatterns):
		return categorized(ErrorTypeRateLimit, "RATE_LIMIT", err)
	case containsAny(msg, providerPatterns):
		return categorized(ErrorTypeProvider, "PROVIDER", err)
	case containsAny(msg, timeoutPatterns):
		return categorized(ErrorTypeTimeout, "TIMEOUT", err)
	case containsAny(msg, networkPatterns):
		return categorized(ErrorTypeNetwork, "NETWORK", err)
	case containsAny(msg, validationPatterns):
		return categorized(ErrorTypeValidation, "VALIDATION", err)
	default:
		return categorized(ErrorTypeUnknown, "", err)
	}
}
