// Package job runs evaluation jobs through their lifecycle: claim, provider
// call, streaming, metric evaluation and a single terminal outcome.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ahrav/promptlab/internal/cancellation"
	"github.com/ahrav/promptlab/internal/domain"
	llmerrors "github.com/ahrav/promptlab/internal/llm/errors"
	"github.com/ahrav/promptlab/internal/llm/providers"
	"github.com/ahrav/promptlab/internal/llm/resilience"
	"github.com/ahrav/promptlab/internal/metric"
	"github.com/ahrav/promptlab/internal/observability"
	"github.com/ahrav/promptlab/internal/store"
	"github.com/ahrav/promptlab/internal/stream"
)

var (
	// ErrRequeued is returned by Run when a retryable failure sent the job
	// back to pending for another attempt.
	ErrRequeued = errors.New("job requeued")
	// ErrNotRunnable is returned by Run for jobs that are not pending or
	// have no attempts left.
	ErrNotRunnable = errors.New("job is not runnable")
)

var (
	// errJobCancelled marks a generation stopped by a cancellation request.
	errJobCancelled = errors.New("cancelled")
	errSettled      = errors.New("job already settled")
)

// Service owns job state transitions. Every mutation goes through the store's
// Update so concurrent Cancel and Run calls serialize per job.
type Service struct {
	store     store.Store
	providers *providers.Registry
	evaluator *metric.Evaluator
	hub       *stream.Hub
	cancels   *cancellation.Registry
	caller    *resilience.Caller

	workerID    string
	maxAttempts int
	cancelPoll  time.Duration
	now         func() time.Time
	logger      *slog.Logger
	metrics     observability.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithWorkerID sets the id recorded on claimed jobs.
func WithWorkerID(id string) Option { return func(s *Service) { s.workerID = id } }

// WithMaxAttempts sets the attempt budget for jobs that do not specify one.
func WithMaxAttempts(n int) Option { return func(s *Service) { s.maxAttempts = n } }

// WithCancelPoll makes Run re-read the stored cancellation flag every d, so
// a cancel accepted by another process reaches the running job. 0 disables it.
func WithCancelPoll(d time.Duration) Option { return func(s *Service) { s.cancelPoll = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMetrics sets the metrics collector.
func WithMetrics(m observability.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService wires a job service. The cancellation registry is shared with
// whatever accepts cancel requests.
func NewService(
	st store.Store,
	provs *providers.Registry,
	evaluator *metric.Evaluator,
	hub *stream.Hub,
	cancels *cancellation.Registry,
	caller *resilience.Caller,
	opts ...Option,
) *Service {
	s := &Service{
		store:       st,
		providers:   provs,
		evaluator:   evaluator,
		hub:         hub,
		cancels:     cancels,
		caller:      caller,
		workerID:    "local",
		maxAttempts: 3,
		now:         time.Now,
		logger:      slog.Default().With("component", "job_service"),
		metrics:     observability.NewNoOpMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hub returns the event hub jobs publish to.
func (s *Service) Hub() *stream.Hub { return s.hub }

// Providers returns the provider registry.
func (s *Service) Providers() *providers.Registry { return s.providers }

// Evaluator returns the metric evaluator.
func (s *Service) Evaluator() *metric.Evaluator { return s.evaluator }

// Forget drops the local cancellation flag of a job that finished in
// another process.
func (s *Service) Forget(id string) { s.cancels.Remove(id) }

// Create validates req and stores a pending job.
func (s *Service) Create(ctx context.Context, req domain.CreateJobRequest) (*domain.Job, error) {
	job, err := domain.NewJob(req, s.maxAttempts, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.providers.ValidateModel(job.Provider, job.Model); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}

	s.metrics.IncrementCounter(observability.MetricJobTransitions, map[string]string{"status": string(domain.JobPending)}, 1)
	s.hub.Publish(job.ID, stream.StatusEvent{Status: domain.JobPending})
	s.logger.InfoContext(ctx, "job created",
		"job_id", job.ID,
		"provider", job.Provider,
		"model", job.Model,
		"max_attempts", job.MaxAttempts)
	return job, nil
}

// Get returns the stored job.
func (s *Service) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.store.FindByID(ctx, id)
}

// List returns job summaries matching filter.
func (s *Service) List(ctx context.Context, filter store.Filter) ([]domain.JobSummary, error) {
	return s.store.List(ctx, filter)
}

// Delete cancels the job if it is still active and removes it.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.Cancel(ctx, id); err != nil {
		return false, err
	}
	return s.store.Delete(ctx, id)
}

// Cancel requests cancellation. It succeeds for unknown and terminal jobs.
// A pending job is cancelled immediately; a running one is cancelled by its
// orchestrator at the next checkpoint.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.cancels.Cancel(id)

	var from domain.JobStatus
	job, err := s.store.Update(ctx, id, func(j *domain.Job) error {
		from = j.Status
		if j.Status.IsTerminal() {
			return nil
		}
		j.CancelRequested = true
		if j.Status == domain.JobPending {
			return j.Cancel(j.PartialResult, s.now())
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.cancels.Remove(id)
		return nil
	case err != nil:
		return err
	}

	if from.IsTerminal() {
		s.cancels.Remove(id)
		return nil
	}
	s.logger.InfoContext(ctx, "job cancellation requested", "job_id", id, "status", from)
	if from == domain.JobPending {
		s.finished(ctx, job)
	}
	return nil
}

func (s *Service) transitioned(ctx context.Context, job *domain.Job) {
	s.metrics.IncrementCounter(observability.MetricJobTransitions, map[string]string{"status": string(job.Status)}, 1)
	s.hub.Publish(job.ID, stream.StatusEvent{Status: job.Status})
	s.logger.DebugContext(ctx, "job transitioned", "job_id", job.ID, "status", job.Status)
}

// finished publishes the terminal events for job and releases its
// per-job state.
func (s *Service) finished(ctx context.Context, job *domain.Job) {
	s.metrics.IncrementCounter(observability.MetricJobTransitions, map[string]string{"status": string(job.Status)}, 1)
	if job.ClaimedAt != nil {
		s.metrics.RecordHistogram(observability.MetricJobDuration, map[string]string{
			"provider": job.Provider,
			"status":   string(job.Status),
		}, s.now().Sub(*job.ClaimedAt).Seconds())
	}
	s.hub.Publish(job.ID, stream.DoneEvent{Status: job.Status})
	s.cancels.Remove(job.ID)
	s.hub.Forget(job.ID)

	attrs := []any{"job_id", job.ID, "provider", job.Provider, "attempt", job.AttemptCount}
	switch job.Status {
	case domain.JobCompleted:
		s.logger.InfoContext(ctx, "job completed", append(attrs, "tokens", deref(job.TokensUsed), "cost_usd", deref(job.CostUSD))...)
	case domain.JobCancelled:
		s.logger.InfoContext(ctx, "job cancelled", attrs...)
	case domain.JobFailed:
		s.logger.WarnContext(ctx, "job failed", append(attrs, "category", deref(job.ErrorType), "error", deref(job.ErrorMessage))...)
	}
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// cancelRequested is the checkpoint consulted between pipeline stages.
func (s *Service) cancelRequested(ctx context.Context, id string) bool {
	return cancellation.Cancelled(ctx) || s.cancels.IsCancelled(id)
}

// cancelFlagged reports a cancellation seen either in this process or on
// the stored job. It is used inside store updates.
func (s *Service) cancelFlagged(j *domain.Job) bool {
	return j.CancelRequested || s.cancels.IsCancelled(j.ID)
}

// watchStoredCancel polls the stored job every s.cancelPoll and feeds a
// persisted cancellation request into the local registry. The returned
// function stops the poller and waits for it.
func (s *Service) watchStoredCancel(ctx context.Context, id string) (stop func()) {
	if s.cancelPoll <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			j, err := s.store.FindByID(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.DebugContext(ctx, "cancel poll failed", "job_id", id, "error", err)
				}
				continue
			}
			if j.CancelRequested {
				s.logger.InfoContext(ctx, "stored cancellation observed", "job_id", id)
				s.cancels.Cancel(id)
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// generation is the provider outcome of one attempt.
type generation struct {
	output string
	tokens int64
	cost   float64
}

// Run executes one attempt of job id. It returns the job in its resulting
// state: completed or cancelled with a nil error, pending with ErrRequeued,
// or failed with the classified cause.
func (s *Service) Run(ctx context.Context, id string) (*domain.Job, error) {
	job, err := s.store.Update(ctx, id, func(j *domain.Job) error {
		if j.CancelRequested {
			return fmt.Errorf("%w: cancellation requested", domain.ErrInvalidTransition)
		}
		return j.Claim(s.workerID, s.now())
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrAttemptsExhausted) {
			return nil, fmt.Errorf("%w: %w", ErrNotRunnable, err)
		}
		return nil, err
	}
	s.transitioned(ctx, job)
	s.logger.InfoContext(ctx, "job started",
		"job_id", job.ID,
		"provider", job.Provider,
		"model", job.Model,
		"attempt", job.AttemptCount,
		"max_attempts", job.MaxAttempts,
		"worker_id", s.workerID)

	watched, release := s.cancels.Watch(ctx, id)
	defer release()
	stopPoll := s.watchStoredCancel(watched, id)
	defer stopPoll()
	// Terminal writes must land even when the run context is gone.
	persist := context.WithoutCancel(ctx)

	gen, err := s.generate(watched, job)
	if err != nil {
		return s.attemptFailed(persist, ctx, job, gen.output, err)
	}
	if s.cancelRequested(watched, id) {
		return s.cancel(persist, job, gen.output)
	}

	job, err = s.store.Update(persist, id, func(j *domain.Job) error {
		if s.cancelFlagged(j) {
			return j.Cancel(gen.output, s.now())
		}
		return j.StartEvaluation(gen.output, s.now())
	})
	if err != nil {
		return nil, err
	}
	if job.Status == domain.JobCancelled {
		s.finished(ctx, job)
		return job, nil
	}
	s.transitioned(ctx, job)

	results, err := s.evaluator.Evaluate(watched, metric.Request{
		Text:       gen.output,
		Selections: selections(job.SelectedMetrics),
		Disabled:   job.DisabledMetrics,
		Reference:  job.ReferenceText,
	})
	if err != nil {
		if errors.Is(err, metric.ErrNoPlugins) {
			err = &llmerrors.CategorizedError{
				Type:    llmerrors.ErrorTypeValidation,
				Message: err.Error(),
				Code:    "NO_METRICS",
				Cause:   err,
			}
		}
		return s.attemptFailed(persist, ctx, job, gen.output, err)
	}
	if s.cancelRequested(watched, id) {
		return s.cancel(persist, job, gen.output)
	}

	average := metric.AverageScore(results)
	job, err = s.store.Update(persist, id, func(j *domain.Job) error {
		if s.cancelFlagged(j) {
			return j.Cancel(gen.output, s.now())
		}
		return j.Complete(gen.output, results, average, gen.tokens, gen.cost, s.now())
	})
	if err != nil {
		return nil, err
	}
	if job.Status == domain.JobCompleted {
		s.hub.Publish(id, stream.MetricsEvent{Metrics: results, AverageScore: average})
	}
	s.finished(ctx, job)
	return job, nil
}

func selections(in []domain.MetricSelection) []metric.Selection {
	if len(in) == 0 {
		return nil
	}
	out := make([]metric.Selection, len(in))
	for i, sel := range in {
		out[i] = metric.Selection{ID: sel.ID}
		if sel.Input != nil {
			out[i].Input = metric.Input{
				Reference: sel.Input.Reference,
				Keywords:  sel.Input.Keywords,
				Text:      sel.Input.Text,
			}
		}
	}
	return out
}

func (s *Service) cancel(ctx context.Context, job *domain.Job, partial string) (*domain.Job, error) {
	updated, err := s.store.Update(ctx, job.ID, func(j *domain.Job) error {
		return j.Cancel(partial, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.finished(ctx, updated)
	return updated, nil
}

// attemptFailed settles a failed attempt: cancelled if cancellation was
// requested, pending again when the failure is retryable and attempts remain,
// otherwise failed. runCtx distinguishes a worker shutdown from a provider
// failure.
func (s *Service) attemptFailed(ctx, runCtx context.Context, job *domain.Job, partial string, cause error) (*domain.Job, error) {
	if errors.Is(cause, errJobCancelled) || s.cancels.IsCancelled(job.ID) {
		return s.cancel(ctx, job, partial)
	}

	classified := llmerrors.Classify(cause)
	shutdown := runCtx.Err() != nil
	if shutdown {
		classified = &llmerrors.CategorizedError{
			Type:      llmerrors.ErrorTypeNetwork,
			Message:   "worker stopped before the job finished",
			Code:      "WORKER_SHUTDOWN",
			Retryable: true,
			Cause:     cause,
		}
	}

	s.hub.Publish(job.ID, stream.ErrorEvent{Message: classified.Message, Type: string(classified.Type)})

	var requeued bool
	updated, err := s.store.Update(ctx, job.ID, func(j *domain.Job) error {
		if s.cancelFlagged(j) {
			return j.Cancel(partial, s.now())
		}
		if classified.Retryable && j.CanRetry() {
			requeued = true
			return j.Requeue(classified.Message, string(classified.Type), s.now())
		}
		return j.Fail(classified.Message, string(classified.Type), s.now())
	})
	if err != nil {
		return nil, err
	}

	if requeued {
		s.transitioned(ctx, updated)
		s.logger.WarnContext(ctx, "job attempt failed, requeued",
			"job_id", updated.ID,
			"attempt", updated.AttemptCount,
			"max_attempts", updated.MaxAttempts,
			"category", classified.Type,
			"error", cause)
		return updated, fmt.Errorf("%w: %w", ErrRequeued, classified)
	}
	s.finished(ctx, updated)
	if updated.Status == domain.JobCancelled {
		return updated, nil
	}
	return updated, classified
}

// generate calls the provider for job, streaming when supported. On error the
// partial output gathered so far is still returned.
func (s *Service) generate(ctx context.Context, job *domain.Job) (generation, error) {
	provider, err := s.providers.Get(job.Provider)
	if err != nil {
		return generation{}, err
	}
	opts := providers.Options{
		Model:       job.Model,
		Temperature: job.Temperature,
		TopP:        job.TopP,
		MaxTokens:   job.MaxTokens,
	}
	if s.cancelRequested(ctx, job.ID) {
		return generation{}, errJobCancelled
	}

	label := job.Provider + "/" + job.Model
	if streamer, ok := provider.(providers.Streamer); ok {
		return s.consume(ctx, job, provider, streamer, label, opts)
	}

	completion, err := resilience.Call(ctx, s.caller, label, func(ctx context.Context) (*providers.Completion, error) {
		return provider.Complete(ctx, job.Prompt, opts)
	})
	if err != nil {
		if s.cancelRequested(ctx, job.ID) {
			return generation{}, errJobCancelled
		}
		return generation{}, err
	}
	if s.cancelRequested(ctx, job.ID) {
		return generation{output: completion.Output}, errJobCancelled
	}
	s.hub.Publish(job.ID, stream.TokenEvent{Content: completion.Output})
	return generation{output: completion.Output, tokens: completion.Tokens, cost: completion.Cost}, nil
}

func (s *Service) consume(
	ctx context.Context,
	job *domain.Job,
	provider providers.Provider,
	streamer providers.Streamer,
	label string,
	opts providers.Options,
) (generation, error) {
	chunks, err := resilience.Call(ctx, s.caller, label, func(ctx context.Context) (<-chan providers.Chunk, error) {
		return streamer.Stream(ctx, job.Prompt, opts)
	})
	if err != nil {
		if s.cancelRequested(ctx, job.ID) {
			return generation{}, errJobCancelled
		}
		return generation{}, err
	}

	var (
		out   strings.Builder
		usage *providers.Usage
	)
	for {
		select {
		case <-ctx.Done():
			if s.cancelRequested(ctx, job.ID) {
				return generation{output: out.String()}, errJobCancelled
			}
			return generation{output: out.String()}, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				if s.cancelRequested(ctx, job.ID) {
					return generation{output: out.String()}, errJobCancelled
				}
				if err := ctx.Err(); err != nil {
					return generation{output: out.String()}, err
				}
				u := estimateUsage(job.Prompt, out.String(), usage)
				return generation{
					output: out.String(),
					tokens: u.TotalTokens,
					cost:   provider.Price(job.Model, u),
				}, nil
			}
			if chunk.Err != nil {
				return generation{output: out.String()}, chunk.Err
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.Content == "" {
				continue
			}
			if s.cancelRequested(ctx, job.ID) {
				return generation{output: out.String()}, errJobCancelled
			}
			out.WriteString(chunk.Content)
			s.hub.Publish(job.ID, stream.TokenEvent{Content: chunk.Content})
		}
	}
}

// estimateUsage returns reported usage, or word counts when the provider
// reported none.
func estimateUsage(prompt, output string, reported *providers.Usage) providers.Usage {
	if reported != nil && reported.TotalTokens > 0 {
		return *reported
	}
	u := providers.Usage{
		PromptTokens:     int64(len(strings.Fields(prompt))),
		CompletionTokens: int64(len(strings.Fields(output))),
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

// errWorkerLost is the cause recorded on claims abandoned by a dead worker.
var errWorkerLost = &llmerrors.CategorizedError{
	Type:      llmerrors.ErrorTypeNetwork,
	Message:   "worker stopped reporting before the job finished",
	Code:      "WORKER_LOST",
	Retryable: true,
}

// RecoverStale settles job id if it is running or evaluating and has not
// been updated for olderThan: requeued when attempts remain, failed
// otherwise, cancelled if cancellation was requested. It reports whether the
// job was recovered.
func (s *Service) RecoverStale(ctx context.Context, id string, olderThan time.Duration) (bool, error) {
	cutoff := s.now().Add(-olderThan)
	var requeued bool
	job, err := s.store.Update(ctx, id, func(j *domain.Job) error {
		if j.Status != domain.JobRunning && j.Status != domain.JobEvaluating {
			return errSettled
		}
		if j.UpdatedAt.After(cutoff) {
			return errSettled
		}
		if s.cancelFlagged(j) {
			return j.Cancel(j.PartialResult, s.now())
		}
		if j.CanRetry() {
			requeued = true
			return j.Requeue(errWorkerLost.Message, string(errWorkerLost.Type), s.now())
		}
		return j.Fail(errWorkerLost.Message, string(errWorkerLost.Type), s.now())
	})
	switch {
	case errors.Is(err, errSettled), errors.Is(err, store.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}

	s.logger.WarnContext(ctx, "stale job claim recovered",
		"job_id", id,
		"status", job.Status,
		"attempt", job.AttemptCount,
		"max_attempts", job.MaxAttempts)
	if job.Status != domain.JobCancelled {
		s.hub.Publish(id, stream.ErrorEvent{Message: errWorkerLost.Message, Type: string(errWorkerLost.Type)})
	}
	if requeued {
		s.transitioned(ctx, job)
		return true, nil
	}
	s.finished(ctx, job)
	return true, nil
}

// abort fails a job whose run ended abnormally, unless it is already terminal.
func (s *Service) abort(ctx context.Context, id string, cause error) {
	job, err := s.store.Update(ctx, id, func(j *domain.Job) error {
		if j.Status.IsTerminal() || j.Status == domain.JobPending {
			return errSettled
		}
		return j.Fail(cause.Error(), string(llmerrors.ErrorTypeUnknown), s.now())
	})
	if err != nil {
		if !errors.Is(err, errSettled) {
			s.logger.ErrorContext(ctx, "abort job failed", "job_id", id, "error", err)
		}
		return
	}
	s.hub.Publish(id, stream.ErrorEvent{Message: cause.Error(), Type: string(llmerrors.ErrorTypeUnknown)})
	s.finished(ctx, job)
}
