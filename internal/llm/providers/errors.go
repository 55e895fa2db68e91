package providers

import (
	"net/http"
	"strconv"
	"strings"

	llmerrors "github.com/ahrav/promptlab/internal/llm/errors"
)

// ServerErrorStatusThreshold defines the HTTP status code threshold for server errors.
const ServerErrorStatusThreshold = 500

// classifyErrorType determines the category from the HTTP status and the
// provider's own error code so classification never depends on message text.
func classifyErrorType(statusCode int, errorCode string) llmerrors.ErrorType {
	lowerCode := strings.ToLower(errorCode)
	switch {
	case strings.Contains(lowerCode, "rate_limit"), strings.Contains(lowerCode, "overloaded"):
		return llmerrors.ErrorTypeRateLimit
	case strings.Contains(lowerCode, "timeout"):
		return llmerrors.ErrorTypeTimeout
	case strings.Contains(lowerCode, "authentication"), strings.Contains(lowerCode, "invalid_api_key"),
		strings.Contains(lowerCode, "model_not_found"), strings.Contains(lowerCode, "not_found"),
		strings.Contains(lowerCode, "permission"):
		return llmerrors.ErrorTypeProvider
	case strings.Contains(lowerCode, "invalid_request"):
		return llmerrors.ErrorTypeValidation
	}

	switch statusCode {
	case http.StatusTooManyRequests:
		return llmerrors.ErrorTypeRateLimit
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusPaymentRequired:
		return llmerrors.ErrorTypeProvider
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return llmerrors.ErrorTypeTimeout
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return llmerrors.ErrorTypeValidation
	default:
		if statusCode >= ServerErrorStatusThreshold {
			// Upstream 5xx responses are transient.
			return llmerrors.ErrorTypeNetwork
		}
		return llmerrors.ErrorTypeUnknown
	}
}

// retryAfterSeconds parses a Retry-After header given in seconds.
func retryAfterSeconds(h http.Header) int {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return secs
}

// newProviderError builds the typed error for a non-2xx response.
func newProviderError(provider string, resp *http.Response, message, code string) *llmerrors.ProviderError {
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &llmerrors.ProviderError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Message:    message,
		Code:       code,
		Type:       classifyErrorType(resp.StatusCode, code),
		RetryAfter: retryAfterSeconds(resp.Header),
	}
}
