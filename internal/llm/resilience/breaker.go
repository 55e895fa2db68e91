package resilience

import (
	"sync"
	"time"

	llmerrors "github.com/ahrav/promptlab/internal/llm/errors"
)

// CircuitState is the state of one label's breaker.
type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker counts consecutive transport failures for one label. After
// threshold failures it opens for cooldown, then lets a single trial call through.
type breaker struct {
	mu        sync.Mutex
	state     CircuitState
	failures  int
	openedAt  time.Time
	probing   bool
	threshold int
	cooldown  time.Duration
}

// allow reports whether an attempt may run now.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// record updates the breaker with an attempt outcome and returns the new
// state. Only transport-level failures count; a provider rejecting the
// request proves the provider is reachable.
func (b *breaker) record(err error, now time.Time) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	if err == nil || !tripsBreaker(llmerrors.Category(err)) {
		b.state = StateClosed
		b.failures = 0
		return b.state
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.state = StateOpen
		b.openedAt = now
	}
	return b.state
}

// abandon releases the trial slot without counting the attempt, used when the
// caller gave up.
func (b *breaker) abandon() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *breaker) current() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func tripsBreaker(t llmerrors.ErrorType) bool {
	return t == llmerrors.ErrorTypeNetwork || t == llmerrors.ErrorTypeTimeout
}

// circuitOpenError is returned without calling the provider while label's
// circuit is open. It is retryable at the job level so the job is tried again
// after the cooldown.
func circuitOpenError(label string) *llmerrors.CategorizedError {
	return &llmerrors.CategorizedError{
		Type:      llmerrors.ErrorTypeNetwork,
		Message:   "circuit open for " + label,
		Code:      "CIRCUIT_OPEN",
		Retryable: true,
	}
}

// breakerFor returns label's breaker, or nil when breaking is disabled.
func (c *Caller) breakerFor(label string) *breaker {
	if c.policy.BreakerThreshold <= 0 {
		return nil
	}
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	b, ok := c.breakers[label]
	if !ok {
		b = &breaker{threshold: c.policy.BreakerThreshold, cooldown: c.policy.BreakerCooldown}
		c.breakers[label] = b
	}
	return b
}

// CircuitState returns label's breaker state. Labels never called, and all
// labels when breaking is disabled, report StateClosed.
func (c *Caller) CircuitState(label string) CircuitState {
	c.breakersMu.Lock()
	b, ok := c.breakers[label]
	c.breakersMu.Unlock()
	if !ok {
		return StateClosed
	}
	return b.current()
}
