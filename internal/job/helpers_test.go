package job_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ahrav/promptlab/internal/cancellation"
	"github.com/ahrav/promptlab/internal/domain"
	"github.com/ahrav/promptlab/internal/job"
	"github.com/ahrav/promptlab/internal/llm/providers"
	"github.com/ahrav/promptlab/internal/llm/resilience"
	"github.com/ahrav/promptlab/internal/metric"
	"github.com/ahrav/promptlab/internal/store"
	"github.com/ahrav/promptlab/internal/stream"
)

type harness struct {
	svc     *job.Service
	store   *store.MemoryStore
	hub     *stream.Hub
	cancels *cancellation.Registry
	caller  *resilience.Caller
}

// newHarness wires a service over an in-memory store. Each Run makes a
// single provider attempt so job-level retry is observable.
func newHarness(t *testing.T, provs ...providers.Provider) *harness {
	t.Helper()
	return newHarnessOn(t, store.NewMemoryStore(), nil, provs...)
}

// newHarnessOn wires a service over st. Harnesses sharing st behave like
// separate processes sharing one database.
func newHarnessOn(t *testing.T, st *store.MemoryStore, opts []job.Option, provs ...providers.Provider) *harness {
	t.Helper()
	if len(provs) == 0 {
		provs = []providers.Provider{providers.NewStub()}
	}
	plugins := metric.NewRegistry()
	metric.RegisterBuiltins(plugins)

	h := &harness{
		store:   st,
		hub:     stream.NewHub(),
		cancels: cancellation.NewRegistry(),
		caller: resilience.NewCaller(
			resilience.Policy{Timeout: 2 * time.Second, MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
			resilience.WithSleep(func(context.Context, time.Duration) error { return nil }),
		),
	}
	h.svc = job.NewService(
		h.store,
		providers.NewRegistry(provs...),
		metric.NewEvaluator(plugins),
		h.hub,
		h.cancels,
		h.caller,
		append([]job.Option{job.WithWorkerID("test-worker")}, opts...)...,
	)
	return h
}

func (h *harness) create(t *testing.T, req domain.CreateJobRequest) *domain.Job {
	t.Helper()
	if req.Provider == "" {
		req.Provider = providers.ProviderStub
	}
	if req.Model == "" {
		req.Model = "m1"
	}
	if req.Prompt == "" && req.Template == "" {
		req.Prompt = "Say hello"
	}
	j, err := h.svc.Create(context.Background(), req)
	require.NoError(t, err)
	return j
}

func (h *harness) status(t *testing.T, id string) domain.JobStatus {
	t.Helper()
	j, err := h.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	return j.Status
}

// statusOf is safe to call off the test goroutine.
func (h *harness) statusOf(id string) domain.JobStatus {
	j, err := h.store.FindByID(context.Background(), id)
	if err != nil {
		return ""
	}
	return j.Status
}

// events records every event published for one job.
type events struct {
	mu  sync.Mutex
	all []stream.Event
}

func (h *harness) record(id string) *events {
	e := &events{}
	h.hub.Subscribe(id, func(ev stream.Event) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.all = append(e.all, ev)
	})
	return e
}

func (e *events) kinds() []stream.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]stream.Kind, len(e.all))
	for i, ev := range e.all {
		out[i] = ev.Kind()
	}
	return out
}

func (e *events) tokens() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.all {
		if tok, ok := ev.(stream.TokenEvent); ok {
			out = append(out, tok.Content)
		}
	}
	return out
}

func (e *events) last() stream.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.all) == 0 {
		return nil
	}
	return e.all[len(e.all)-1]
}

func (e *events) count(kind stream.Kind) int {
	n := 0
	for _, k := range e.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// completer is a provider without a streaming mode.
type completer struct {
	output string
	err    error
}

func (c *completer) Name() string     { return "plain" }
func (c *completer) Models() []string { return nil }
func (c *completer) Price(string, providers.Usage) float64 {
	return 0.5
}

func (c *completer) Complete(context.Context, string, providers.Options) (*providers.Completion, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &providers.Completion{Output: c.output, Tokens: 7, Cost: 0.5}, nil
}

// stallingStreamer emits one chunk and then blocks until its context ends.
type stallingStreamer struct {
	first string
}

func (s *stallingStreamer) Name() string     { return "stalling" }
func (s *stallingStreamer) Models() []string { return nil }
func (s *stallingStreamer) Price(string, providers.Usage) float64 {
	return 0
}

func (s *stallingStreamer) Complete(context.Context, string, providers.Options) (*providers.Completion, error) {
	return nil, errors.New("stalling provider only streams")
}

func (s *stallingStreamer) Stream(ctx context.Context, _ string, _ providers.Options) (<-chan providers.Chunk, error) {
	out := make(chan providers.Chunk)
	go func() {
		defer close(out)
		select {
		case out <- providers.Chunk{Content: s.first}:
		case <-ctx.Done():
			return
		}
		<-ctx.Done()
	}()
	return out, nil
}
