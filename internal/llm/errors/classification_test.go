package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Run("nil_error", func(t *testing.T) {
		assert.Nil(t, Classify(nil))
		assert.Equal(t, ErrorTypeUnknown, Category(nil))
		assert.False(t, IsRetryable(nil))
	})

	t.Run("provider_error_keeps_its_type", func(t *testing.T) {
		providerErr := &ProviderError{
			Provider:   "openai",
			StatusCode: http.StatusTooManyRequests,
			Message:    "slow down",
			Code:       "rate_limit_exceeded",
			Type:       ErrorTypeRateLimit,
			RetryAfter: 7,
		}

		result := Classify(fmt.Errorf("complete: %w", providerErr))
		require.NotNil(t, result)
		assert.Equal(t, ErrorTypeRateLimit, result.Type)
		assert.Equal(t, "slow down", result.Message)
		assert.True(t, result.Retryable)
		assert.Equal(t, 7*time.Second, result.Delay())
		assert.Equal(t, "openai", result.Details["provider"])
		assert.Equal(t, http.StatusTooManyRequests, result.Details["status_code"])
	})

	t.Run("missing_api_key_is_provider_error", func(t *testing.T) {
		err := MissingAPIKey("anthropic", "ANTHROPIC_API_KEY")

		result := Classify(err)
		assert.Equal(t, ErrorTypeProvider, result.Type)
		assert.False(t, result.Retryable)
		assert.ErrorIs(t, err, ErrMissingAPIKey)
		assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
	})

	t.Run("timeout_error", func(t *testing.T) {
		err := &TimeoutError{Label: "openai.complete", Timeout: time.Second}
		result := Classify(err)
		assert.Equal(t, ErrorTypeTimeout, result.Type)
		assert.True(t, result.Retryable)
		assert.Equal(t, TimeoutDelay, result.Delay())
	})

	t.Run("context_errors", func(t *testing.T) {
		assert.Equal(t, ErrorTypeTimeout, Category(context.DeadlineExceeded))
		canceled := Classify(context.Canceled)
		assert.Equal(t, ErrorTypeUnknown, canceled.Type)
		assert.False(t, canceled.Retryable)
	})

	t.Run("net_errors", func(t *testing.T) {
		opErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}
		assert.Equal(t, ErrorTypeNetwork, Category(opErr))
	})

	t.Run("already_categorized_is_returned_as_is", func(t *testing.T) {
		c := &CategorizedError{Type: ErrorTypeValidation, Message: "bad"}
		assert.Same(t, c, Classify(fmt.Errorf("wrapped: %w", c)))
	})

	t.Run("sentinels", func(t *testing.T) {
		assert.Equal(t, ErrorTypeProvider, Category(fmt.Errorf("%w: mistral", ErrProviderNotFound)))
		assert.Equal(t, ErrorTypeProvider, Category(ErrUnknownModel))
		assert.Equal(t, ErrorTypeValidation, Category(ErrInvalidResponse))
	})
}

func TestClassifyStringPatterns(t *testing.T) {
	tests := []struct {
		name      string
		msg       string
		want      ErrorType
		retryable bool
	}{
		{"http_429", "request failed with status 429", ErrorTypeRateLimit, true},
		{"rate_limit_text", "Rate limit reached for requests", ErrorTypeRateLimit, true},
		{"econnrefused", "connect ECONNREFUSED 127.0.0.1:11434", ErrorTypeNetwork, true},
		{"socket_hang_up", "socket hang up", ErrorTypeNetwork, true},
		{"network_word", "network unreachable", ErrorTypeNetwork, true},
		{"timeout_word", "upstream timeout", ErrorTypeTimeout, true},
		{"etimedout", "ETIMEDOUT", ErrorTypeTimeout, true},
		{"api_key", "Incorrect API key provided", ErrorTypeProvider, false},
		{"unauthorized", "401 Unauthorized", ErrorTypeProvider, false},
		{"invalid_model", "invalid model: gpt-9", ErrorTypeProvider, false},
		{"api_key_wins_over_timeout", "invalid API key (timeout 30s)", ErrorTypeProvider, false},
		{"validation", "validation failed on messages", ErrorTypeValidation, false},
		{"malformed", "malformed JSON body", ErrorTypeValidation, false},
		{"unknown", "something odd happened", ErrorTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Classify(errors.New(tt.msg))
			require.NotNil(t, result)
			assert.Equal(t, tt.want, result.Type)
			assert.Equal(t, tt.retryable, result.Retryable)
			assert.Equal(t, tt.msg, result.Message)
		})
	}
}

func TestErrorTypeSuggestedDelay(t *testing.T) {
	assert.Equal(t, 60*time.Second, ErrorTypeRateLimit.SuggestedDelay())
	assert.Equal(t, 5*time.Second, ErrorTypeNetwork.SuggestedDelay())
	assert.Equal(t, 2*time.Second, ErrorTypeTimeout.SuggestedDelay())
	assert.Zero(t, ErrorTypeProvider.SuggestedDelay())
	assert.Zero(t, ErrorTypeUnknown.SuggestedDelay())
}

func TestCategorizedErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	c := &CategorizedError{Type: ErrorTypeUnknown, Message: "boom", Cause: cause}
	assert.ErrorIs(t, c, cause)
	assert.Equal(t, "[unknown] boom", c.Error())
}
