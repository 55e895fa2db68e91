package providers

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Stub is a deterministic in-process provider used for development and tests.
// It streams a scripted list of chunks, optionally failing the first calls.
type Stub struct {
	name   string
	models []string
	chunks []string
	delay  time.Duration
	gate   <-chan struct{}

	mu       sync.Mutex
	failures []error

	calls atomic.Int64
}

// StubOption configures a Stub.
type StubOption func(*Stub)

// WithStubName registers the stub under a different provider name.
func WithStubName(name string) StubOption { return func(s *Stub) { s.name = name } }

// WithStubModels sets the accepted models.
func WithStubModels(models ...string) StubOption { return func(s *Stub) { s.models = models } }

// WithStubChunks sets the scripted output.
func WithStubChunks(chunks ...string) StubOption { return func(s *Stub) { s.chunks = chunks } }

// WithStubDelay sleeps before each chunk.
func WithStubDelay(d time.Duration) StubOption { return func(s *Stub) { s.delay = d } }

// WithStubGate blocks each generation until gate is closed or ctx ends.
func WithStubGate(gate <-chan struct{}) StubOption { return func(s *Stub) { s.gate = gate } }

// WithStubFailures makes successive calls return errs in order before the
// stub starts succeeding.
func WithStubFailures(errs ...error) StubOption {
	return func(s *Stub) { s.failures = append([]error(nil), errs...) }
}

// NewStub creates a stub that answers "Hello from stub" by default.
func NewStub(opts ...StubOption) *Stub {
	s := &Stub{
		name:   ProviderStub,
		models: []string{"m1", "m2"},
		chunks: []string{"Hello", " from", " stub"},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the provider name.
func (s *Stub) Name() string { return s.name }

// Models returns the accepted models.
func (s *Stub) Models() []string { return s.models }

// Price prices usage from the stub table.
func (s *Stub) Price(model string, usage Usage) float64 { return stubPricing.Cost(model, usage) }

// Calls returns how many Complete/Stream calls were made.
func (s *Stub) Calls() int64 { return s.calls.Load() }

func (s *Stub) nextFailure() error {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) == 0 {
		return nil
	}
	err := s.failures[0]
	s.failures = s.failures[1:]
	return err
}

func (s *Stub) wait(ctx context.Context, d time.Duration) error {
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

func (s *Stub) waitGate(ctx context.Context) error {
	if s.gate == nil {
		return nil
	}
	select {
	case <-s.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stub) usage(prompt string) Usage {
	u := Usage{
		PromptTokens:     int64(len(strings.Fields(prompt))),
		CompletionTokens: int64(len(s.chunks)),
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

// Complete returns the joined chunks.
func (s *Stub) Complete(ctx context.Context, prompt string, opts Options) (*Completion, error) {
	if err := s.nextFailure(); err != nil {
		return nil, err
	}
	if err := s.waitGate(ctx); err != nil {
		return nil, err
	}
	if err := s.wait(ctx, s.delay*time.Duration(len(s.chunks))); err != nil {
		return nil, err
	}
	u := s.usage(prompt)
	return &Completion{
		Output: strings.Join(s.chunks, ""),
		Tokens: u.TotalTokens,
		Cost:   s.Price(opts.Model, u),
		Usage:  u,
	}, nil
}

// Stream emits each chunk after the configured delay and then a final chunk
// carrying usage.
func (s *Stub) Stream(ctx context.Context, prompt string, _ Options) (<-chan Chunk, error) {
	if err := s.nextFailure(); err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		if err := s.waitGate(ctx); err != nil {
			return
		}
		for _, c := range s.chunks {
			if err := s.wait(ctx, s.delay); err != nil {
				return
			}
			if !send(ctx, out, Chunk{Content: c}) {
				return
			}
		}
		u := s.usage(prompt)
		send(ctx, out, Chunk{IsFinal: true, Usage: &u})
	}()
	return out, nil
}
