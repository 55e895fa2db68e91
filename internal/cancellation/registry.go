// Package cancellation tracks jobs whose cancellation has been requested.
//
// The registry is consulted by the job orchestrator at every checkpoint.
// Watch offers the same signal as a context so blocking work observes a
// cancellation request without polling.
package cancellation

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is the cause attached to contexts cancelled through Cancel.
var ErrCancelled = errors.New("job cancellation requested")

// Registry is a concurrency-safe set of cancelled job ids.
type Registry struct {
	mu        sync.Mutex
	cancelled map[string]struct{}
	watchers  map[string]map[uint64]context.CancelCauseFunc
	nextID    uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		cancelled: make(map[string]struct{}),
		watchers:  make(map[string]map[uint64]context.CancelCauseFunc),
	}
}

// Cancel flags id and cancels every context watching it. Repeated calls are
// no-ops.
func (r *Registry) Cancel(id string) {
	r.mu.Lock()
	r.cancelled[id] = struct{}{}
	watchers := r.watchers[id]
	delete(r.watchers, id)
	r.mu.Unlock()

	for _, cancel := range watchers {
		cancel(ErrCancelled)
	}
}

// IsCancelled reports whether id has been flagged.
func (r *Registry) IsCancelled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancelled[id]
	return ok
}

// Remove clears the flag for id. The orchestrator calls it once the job is
// terminal.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancelled, id)
}

// Len returns the number of flagged ids.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancelled)
}

// Watch derives a context from ctx that is cancelled with cause ErrCancelled
// when Cancel(id) is called, or immediately if id is already flagged. The
// release function detaches the watcher and must be called when the work is
// done.
func (r *Registry) Watch(ctx context.Context, id string) (context.Context, func()) {
	watched, cancel := context.WithCancelCause(ctx)

	r.mu.Lock()
	if _, ok := r.cancelled[id]; ok {
		r.mu.Unlock()
		cancel(ErrCancelled)
		return watched, func() { cancel(context.Canceled) }
	}
	r.nextID++
	wid := r.nextID
	if r.watchers[id] == nil {
		r.watchers[id] = make(map[uint64]context.CancelCauseFunc)
	}
	r.watchers[id][wid] = cancel
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		if ws, ok := r.watchers[id]; ok {
			delete(ws, wid)
			if len(ws) == 0 {
				delete(r.watchers, id)
			}
		}
		r.mu.Unlock()
		cancel(context.Canceled)
	}
	return watched, release
}

// Cancelled reports whether ctx was cancelled through Cancel rather than by
// its parent.
func Cancelled(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrCancelled)
}
