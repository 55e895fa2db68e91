package resilience_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	llmerrors "github.com/ahrav/promptlab/internal/llm/errors"
	"github.com/ahrav/promptlab/internal/llm/resilience"
)

// delayRecorder captures requested delays without sleeping.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *delayRecorder) get() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newCaller(p resilience.Policy, rec *delayRecorder) *resilience.Caller {
	return resilience.NewCaller(p, resilience.WithSleep(rec.sleep))
}

func TestCallRetryBound(t *testing.T) {
	rec := &delayRecorder{}
	caller := newCaller(resilience.Policy{Timeout: time.Second, MaxRetries: 3, UseSuggestedDelay: true}, rec)

	networkErr := errors.New("connect ECONNREFUSED 10.0.0.1:443")
	var calls atomic.Int32
	_, err := resilience.Call(context.Background(), caller, "stub.complete", func(context.Context) (string, error) {
		calls.Add(1)
		return "", networkErr
	})

	require.Error(t, err)
	assert.Same(t, networkErr, err, "last error is returned unmodified")
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{llmerrors.NetworkDelay, llmerrors.NetworkDelay}, rec.get())

	stats := caller.Stats()
	assert.Equal(t, int64(3), stats.Attempts)
	assert.Equal(t, int64(2), stats.Retries)
	assert.Equal(t, int64(1), stats.Failures)
}

func TestCallNonRetryableShortCircuit(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"api_key_text", errors.New("Invalid API key provided")},
		{"configuration_error", llmerrors.MissingAPIKey("openai", "OPENAI_API_KEY")},
		{"validation", errors.New("malformed request body")},
		{"unknown", errors.New("kaboom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &delayRecorder{}
			caller := newCaller(resilience.Policy{Timeout: time.Second, MaxRetries: 10, UseSuggestedDelay: true}, rec)

			var calls atomic.Int32
			_, err := resilience.Call(context.Background(), caller, "x", func(context.Context) (int, error) {
				calls.Add(1)
				return 0, tt.err
			})
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, int32(1), calls.Load())
			assert.Empty(t, rec.get())
		})
	}
}

func TestCallSucceedsAfterTransientFailures(t *testing.T) {
	rec := &delayRecorder{}
	caller := newCaller(resilience.Policy{Timeout: time.Second, MaxRetries: 3, UseSuggestedDelay: true}, rec)

	failures := []error{errors.New("429 Too Many Requests"), errors.New("upstream timeout")}
	var calls atomic.Int32
	got, err := resilience.Call(context.Background(), caller, "x", func(context.Context) (string, error) {
		n := calls.Add(1)
		if int(n) <= len(failures) {
			return "", failures[n-1]
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, []time.Duration{llmerrors.RateLimitDelay, llmerrors.TimeoutDelay}, rec.get())
}

func TestCallExponentialBackoff(t *testing.T) {
	rec := &delayRecorder{}
	caller := newCaller(resilience.Policy{
		Timeout:    time.Second,
		MaxRetries: 6,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}, rec)

	_, err := resilience.Call(context.Background(), caller, "x", func(context.Context) (int, error) {
		return 0, errors.New("network unreachable")
	})
	require.Error(t, err)
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		5 * time.Second,
	}, rec.get())
}

func TestCallRetryAfterWins(t *testing.T) {
	rec := &delayRecorder{}
	caller := newCaller(resilience.Policy{Timeout: time.Second, MaxRetries: 2, UseSuggestedDelay: true}, rec)

	_, err := resilience.Call(context.Background(), caller, "x", func(context.Context) (int, error) {
		return 0, &llmerrors.ProviderError{Provider: "openai", StatusCode: 429, Type: llmerrors.ErrorTypeRateLimit, RetryAfter: 9}
	})
	require.Error(t, err)
	assert.Equal(t, []time.Duration{9 * time.Second}, rec.get())
}

func TestCallTimeoutAbandonsWait(t *testing.T) {
	rec := &delayRecorder{}
	caller := newCaller(resilience.Policy{Timeout: 20 * time.Millisecond, MaxRetries: 2, UseSuggestedDelay: true}, rec)

	release := make(chan struct{})
	defer close(release)

	var finished atomic.Int32
	start := time.Now()
	_, err := resilience.Call(context.Background(), caller, "slow", func(context.Context) (int, error) {
		<-release
		finished.Add(1)
		return 1, nil
	})

	var timeoutErr *llmerrors.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "slow", timeoutErr.Label)
	assert.Equal(t, llmerrors.ErrorTypeTimeout, llmerrors.Category(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, finished.Load(), "the underlying calls are still running")
	assert.Equal(t, []time.Duration{llmerrors.TimeoutDelay}, rec.get())
}

func TestCallRecoversPanics(t *testing.T) {
	caller := newCaller(resilience.Policy{Timeout: time.Second, MaxRetries: 3}, &delayRecorder{})

	_, err := resilience.Call(context.Background(), caller, "x", func(context.Context) (int, error) {
		panic("exploded")
	})
	require.Error(t, err)
	assert.Equal(t, "exploded", err.Error())
}

func TestCallStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	caller := resilience.NewCaller(resilience.Policy{Timeout: time.Second, MaxRetries: 5, UseSuggestedDelay: true})

	var calls atomic.Int32
	_, err := resilience.Call(ctx, caller, "x", func(context.Context) (int, error) {
		calls.Add(1)
		cancel()
		return 0, errors.New("ECONNRESET")
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCallRateLimiter(t *testing.T) {
	limiter := rate.NewLimiter(rate.Limit(1000), 1)
	caller := newCaller(resilience.Policy{Timeout: time.Second, MaxRetries: 1, Limiter: limiter}, &delayRecorder{})

	for i := 0; i < 3; i++ {
		v, err := resilience.Call(context.Background(), caller, "x", func(context.Context) (int, error) { return i, nil })
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := resilience.Call(ctx, caller, "x", func(context.Context) (int, error) { return 0, nil })
	assert.Error(t, err)
}

func TestPolicyFromConfigDefaults(t *testing.T) {
	p := resilience.DefaultPolicy()
	assert.Equal(t, 30*time.Second, p.Timeout)
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 5*time.Second, p.MaxDelay)
	assert.Nil(t, p.Limiter)
}
