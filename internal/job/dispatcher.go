package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahrav/promptlab/internal/configuration"
	"github.com/ahrav/promptlab/internal/domain"
	"github.com/ahrav/promptlab/internal/store"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no room.
	ErrQueueFull = errors.New("job queue full")
	// ErrDispatcherStopped is returned by Submit after Stop.
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

// Dispatcher drains a queue of job ids with a bounded pool of workers.
// Requeued jobs are submitted again after RequeueDelay. A periodic sweep
// re-submits pending jobs that found the queue full and recovers claims
// abandoned by dead workers.
type Dispatcher struct {
	svc           *Service
	queue         chan string
	concurrency   int
	requeueDelay  time.Duration
	sweepInterval time.Duration
	claimTimeout  time.Duration
	logger        *slog.Logger

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	workers  errgroup.Group
	timers   map[*time.Timer]struct{}
	queued   map[string]struct{}
	inflight map[string]struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher sized by cfg.
func NewDispatcher(svc *Service, cfg configuration.JobsConfig, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		svc:           svc,
		queue:         make(chan string, max(cfg.QueueSize, 1)),
		concurrency:   max(cfg.MaxConcurrency, 1),
		requeueDelay:  cfg.RequeueDelay,
		sweepInterval: cfg.SweepInterval,
		claimTimeout:  cfg.ClaimTimeout,
		logger:        slog.Default().With("component", "job_dispatcher"),
		timers:        make(map[*time.Timer]struct{}),
		queued:        make(map[string]struct{}),
		inflight:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the workers, recovers stale claims and enqueues jobs left
// pending by a previous process. It returns immediately.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("dispatcher already started")
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.started = true
	d.mu.Unlock()

	for i := 0; i < d.concurrency; i++ {
		d.workers.Go(func() error {
			d.work(ctx, i)
			return nil
		})
	}

	stale := d.recoverStale(ctx)
	recovered, err := d.sweep(ctx)
	if err != nil {
		return fmt.Errorf("recover pending jobs: %w", err)
	}
	if d.sweepInterval > 0 {
		d.workers.Go(func() error {
			d.sweepLoop(ctx)
			return nil
		})
	}
	d.logger.Info("dispatcher started", "workers", d.concurrency, "recovered", recovered, "stale", stale)
	return nil
}

// Submit enqueues id without blocking. Submitting an id that is already
// queued or running is a no-op.
func (d *Dispatcher) Submit(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	if _, ok := d.queued[id]; ok {
		return nil
	}
	if _, ok := d.inflight[id]; ok {
		return nil
	}
	select {
	case d.queue <- id:
		d.queued[id] = struct{}{}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, id)
	}
}

// Stop cancels in-flight runs and waits for the workers to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for t := range d.timers {
		t.Stop()
	}
	d.timers = nil
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = d.workers.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			d.mu.Lock()
			delete(d.queued, id)
			d.inflight[id] = struct{}{}
			d.mu.Unlock()

			requeue := d.process(ctx, worker, id)

			d.mu.Lock()
			delete(d.inflight, id)
			d.mu.Unlock()
			if requeue {
				d.requeue(id)
			}
		}
	}
}

// process runs one attempt of id and reports whether it was requeued.
func (d *Dispatcher) process(ctx context.Context, worker int, id string) (requeue bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("job run panicked", "job_id", id, "worker", worker, "panic", r)
			d.svc.abort(context.WithoutCancel(ctx), id, fmt.Errorf("job run panicked: %v", r))
			requeue = false
		}
	}()

	_, err := d.svc.Run(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrRequeued):
		return ctx.Err() == nil
	case errors.Is(err, ErrNotRunnable):
		d.logger.Debug("skipping job", "job_id", id, "error", err)
	default:
		d.logger.Debug("job run ended with error", "job_id", id, "error", err)
	}
	return false
}

// requeue resubmits id after the requeue delay. A full queue leaves the job
// pending for the next sweep.
func (d *Dispatcher) requeue(id string) {
	if d.requeueDelay <= 0 {
		if err := d.Submit(id); err != nil {
			d.logger.Warn("requeue deferred to sweep", "job_id", id, "error", err)
		}
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d.requeueDelay, func() {
		d.mu.Lock()
		delete(d.timers, t)
		d.mu.Unlock()
		if err := d.Submit(id); err != nil {
			d.logger.Warn("requeue deferred to sweep", "job_id", id, "error", err)
		}
	})
	d.timers[t] = struct{}{}
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		d.recoverStale(ctx)
		if n, err := d.sweep(ctx); err != nil {
			if ctx.Err() == nil {
				d.logger.Warn("pending sweep failed", "error", err)
			}
		} else if n > 0 {
			d.logger.Debug("pending jobs resubmitted", "count", n)
		}
	}
}

const sweepPageSize = 200

// listIDs pages through every job in status.
func (d *Dispatcher) listIDs(ctx context.Context, status domain.JobStatus) ([]string, error) {
	var ids []string
	for offset := 0; ; offset += sweepPageSize {
		page, err := d.svc.List(ctx, store.Filter{Status: status, Limit: sweepPageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		for _, j := range page {
			ids = append(ids, j.ID)
		}
		if len(page) < sweepPageSize {
			return ids, nil
		}
	}
}

// sweep submits pending jobs oldest first until the queue is full and
// returns how many were newly enqueued.
func (d *Dispatcher) sweep(ctx context.Context) (int, error) {
	ids, err := d.listIDs(ctx, domain.JobPending)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		if d.scheduled(id) {
			continue
		}
		if err := d.Submit(id); err != nil {
			if errors.Is(err, ErrQueueFull) {
				break
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func (d *Dispatcher) scheduled(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, queued := d.queued[id]
	_, running := d.inflight[id]
	return queued || running
}

// recoverStale settles running and evaluating jobs this dispatcher does not
// own whose last update is older than the claim timeout.
func (d *Dispatcher) recoverStale(ctx context.Context) int {
	if d.claimTimeout <= 0 {
		return 0
	}
	n := 0
	for _, status := range []domain.JobStatus{domain.JobRunning, domain.JobEvaluating} {
		ids, err := d.listIDs(ctx, status)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Warn("stale claim scan failed", "status", status, "error", err)
			}
			continue
		}
		for _, id := range ids {
			if d.scheduled(id) {
				continue
			}
			recovered, err := d.svc.RecoverStale(ctx, id, d.claimTimeout)
			if err != nil {
				d.logger.Warn("stale claim recovery failed", "job_id", id, "error", err)
				continue
			}
			if recovered {
				n++
			}
		}
	}
	return n
}

// Wait polls until job id is terminal or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context, id string) (*domain.Job, error) {
	return WaitTerminal(ctx, d.svc, id, 10*time.Millisecond)
}

// WaitTerminal polls svc until job id is terminal.
func WaitTerminal(ctx context.Context, svc *Service, id string, interval time.Duration) (*domain.Job, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		j, err := svc.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.Status.IsTerminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-ticker.C:
		}
	}
}
