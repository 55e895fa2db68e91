// Package resilience wraps provider calls with a timeout, a retry policy
// driven by the error taxonomy, and structured logging of every attempt.
package resilience

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/ahrav/promptlab/internal/configuration"
	llmerrors "github.com/ahrav/promptlab/internal/llm/errors"
)

// Policy controls one wrapped call.
type Policy struct {
	// Timeout bounds each attempt's wait. Zero disables the timeout.
	Timeout time.Duration
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries int
	// BaseDelay and MaxDelay bound exponential backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// UseSuggestedDelay prefers the category's suggested delay (or a
	// provider Retry-After) over exponential backoff.
	UseSuggestedDelay bool
	// Limiter, when set, gates every attempt.
	Limiter *rate.Limiter
	// BreakerThreshold consecutive transport failures for one label open
	// its circuit for BreakerCooldown. Zero disables circuit breaking.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// PolicyFromConfig converts the resilience configuration section.
func PolicyFromConfig(cfg configuration.ResilienceConfig) Policy {
	p := Policy{
		Timeout:           cfg.Timeout,
		MaxRetries:        cfg.MaxRetries,
		BaseDelay:         cfg.BaseDelay,
		MaxDelay:          cfg.MaxDelay,
		UseSuggestedDelay: cfg.UseSuggestedDelay,
		BreakerThreshold:  cfg.BreakerThreshold,
		BreakerCooldown:   cfg.BreakerCooldown,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		p.Limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return p
}

// DefaultPolicy returns the policy built from default configuration.
func DefaultPolicy() Policy {
	return PolicyFromConfig(configuration.DefaultConfig().Resilience)
}

func (p Policy) attempts() int {
	if p.MaxRetries < 1 {
		return 1
	}
	return p.MaxRetries
}

// backoff computes BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p Policy) backoff(attempt int) time.Duration {
	d := p.BaseDelay
	if d <= 0 {
		d = configuration.DefaultBaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = configuration.DefaultMaxDelay
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// delay chooses the wait before the attempt following a failure.
func (p Policy) delay(attempt int, classified *llmerrors.CategorizedError) time.Duration {
	if p.UseSuggestedDelay {
		if d := classified.Delay(); d > 0 {
			return d
		}
	}
	return p.backoff(attempt)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
