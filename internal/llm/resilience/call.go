package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	llmerrors "github.com/ahrav/promptlab/internal/llm/errors"
	"github.com/ahrav/promptlab/internal/observability"
)

// Caller applies a Policy to arbitrary provider calls.
type Caller struct {
	policy  Policy
	logger  *slog.Logger
	metrics observability.Metrics
	sleep   func(context.Context, time.Duration) error
	now     func() time.Time
	stats   Stats

	breakersMu sync.Mutex
	breakers   map[string]*breaker
}

// Option configures a Caller.
type Option func(*Caller)

// WithLogger sets the attempt logger.
func WithLogger(l *slog.Logger) Option { return func(c *Caller) { c.logger = l } }

// WithMetrics sets the metrics collector.
func WithMetrics(m observability.Metrics) Option { return func(c *Caller) { c.metrics = m } }

// WithClock replaces the clock used by circuit breakers.
func WithClock(now func() time.Time) Option { return func(c *Caller) { c.now = now } }

// WithSleep replaces the delay function, letting tests observe delays
// without waiting.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(c *Caller) { c.sleep = fn }
}

// NewCaller creates a Caller for policy.
func NewCaller(policy Policy, opts ...Option) *Caller {
	c := &Caller{
		policy:  policy,
		logger:  slog.Default().With("component", "resilience"),
		metrics: observability.NewNoOpMetrics(),
		sleep:   sleepContext,
		now:     time.Now,
	}
	c.breakers = make(map[string]*breaker)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the caller's policy.
func (c *Caller) Policy() Policy { return c.policy }

// Stats returns the caller's counters.
func (c *Caller) Stats() StatsSnapshot { return c.stats.snapshot() }

type result[T any] struct {
	value T
	err   error
}

// Call runs fn under the caller's policy.
//
// Each attempt races fn against Policy.Timeout. When the timeout wins only the
// wait is abandoned: fn keeps running with the caller's context and its
// eventual result is discarded, so a remote provider may still complete and
// bill work nobody reads. fn receives the caller's context rather than a
// derived deadline; stream producers must outlive the attempt.
//
// Failures are classified; only rate_limit, network_error and timeout are
// retried, and at most Policy.MaxRetries attempts are made in total. When
// attempts are exhausted the last error is returned unmodified.
//
// With Policy.BreakerThreshold set, consecutive network or timeout failures
// for label open a circuit; while it is open Call fails fast with a retryable
// CIRCUIT_OPEN error and fn is not invoked.
func Call[T any](ctx context.Context, c *Caller, label string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	maxAttempts := c.policy.attempts()
	brk := c.breakerFor(label)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if brk != nil && !brk.allow(c.now()) {
			c.logger.WarnContext(ctx, "provider circuit open", "label", label, "attempt", attempt)
			c.record(label, 0, "circuit_open")
			if lastErr == nil {
				lastErr = circuitOpenError(label)
			}
			break
		}
		if c.policy.Limiter != nil {
			if err := c.policy.Limiter.Wait(ctx); err != nil {
				if lastErr != nil {
					return zero, lastErr
				}
				return zero, err
			}
		}

		c.stats.attempts.Add(1)
		start := time.Now()
		value, err := runAttempt(ctx, c.policy.Timeout, label, fn)
		duration := time.Since(start)
		if brk != nil && ctx.Err() != nil {
			brk.abandon()
		} else if brk != nil {
			state := brk.record(err, c.now())
			c.metrics.SetGauge(observability.MetricBreakerState, map[string]string{"label": label}, boolGauge(state == StateOpen))
		}

		if err == nil {
			c.stats.successes.Add(1)
			c.record(label, duration, "success")
			c.logger.DebugContext(ctx, "provider call succeeded",
				"label", label,
				"attempt", attempt,
				"duration", duration)
			return value, nil
		}

		lastErr = err
		classified := llmerrors.Classify(err)
		c.record(label, duration, string(classified.Type))

		willRetry := classified.Retryable && attempt < maxAttempts && ctx.Err() == nil
		c.logger.WarnContext(ctx, "provider call failed",
			"label", label,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"duration", duration,
			"category", classified.Type,
			"will_retry", willRetry,
			"error", err)
		if !willRetry {
			break
		}

		delay := c.policy.delay(attempt, classified)
		c.stats.retries.Add(1)
		if err := c.sleep(ctx, delay); err != nil {
			break
		}
	}

	c.stats.failures.Add(1)
	return zero, lastErr
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (c *Caller) record(label string, duration time.Duration, outcome string) {
	c.metrics.IncrementCounter(observability.MetricProviderAttempts, map[string]string{
		"label":   label,
		"outcome": outcome,
	}, 1)
	c.metrics.RecordHistogram(observability.MetricProviderDuration, map[string]string{
		"label": label,
	}, duration.Seconds())
}

func runAttempt[T any](
	ctx context.Context,
	timeout time.Duration,
	label string,
	fn func(context.Context) (T, error),
) (T, error) {
	var zero T
	done := make(chan result[T], 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result[T]{err: panicError(r)}
			}
		}()
		v, err := fn(ctx)
		done <- result[T]{value: v, err: err}
	}()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case r := <-done:
		return r.value, r.err
	case <-timeoutC:
		return zero, &llmerrors.TimeoutError{Label: label, Timeout: timeout}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// panicError converts a recovered value into an error.
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return errors.New(fmt.Sprint(r))
}

// Stats tracks call outcomes atomically.
type Stats struct {
	attempts  atomic.Int64
	retries   atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Attempts  int64 `json:"attempts"`
	Retries   int64 `json:"retries"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		Attempts:  s.attempts.Load(),
		Retries:   s.retries.Load(),
		Successes: s.successes.Load(),
		Failures:  s.failures.Load(),
	}
}
