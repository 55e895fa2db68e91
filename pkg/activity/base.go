// Package activity holds helpers shared by Temporal activity implementations:
// workflow metadata lookup, best-effort event emission and heartbeats that are
// safe to call outside an activity context.
package activity

import (
	"context"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/ahrav/promptlab/pkg/events"
)

// WorkflowContext identifies the workflow execution running an activity.
type WorkflowContext struct {
	WorkflowID string
	RunID      string
	ActivityID string
	Attempt    int32
}

// BaseActivities carries the event sink shared by activities.
type BaseActivities struct {
	eventSink events.EventSink
}

// NewBaseActivities returns a base emitting to sink. A nil sink disables
// emission.
func NewBaseActivities(sink events.EventSink) BaseActivities {
	return BaseActivities{eventSink: sink}
}

// GetWorkflowContext returns the execution metadata of ctx, or zero values
// with a "local" workflow id when ctx is not an activity context.
func (b *BaseActivities) GetWorkflowContext(ctx context.Context) WorkflowContext {
	wfCtx := WorkflowContext{WorkflowID: "local", RunID: "local", ActivityID: "local", Attempt: 1}
	func() {
		defer func() { _ = recover() }()
		info := activity.GetInfo(ctx)
		wfCtx = WorkflowContext{
			WorkflowID: info.WorkflowExecution.ID,
			RunID:      info.WorkflowExecution.RunID,
			ActivityID: info.ActivityID,
			Attempt:    info.Attempt,
		}
	}()
	return wfCtx
}

// EmitEventSafe appends envelope to the sink, retrying once. Failures are
// logged and never returned.
func (b *BaseActivities) EmitEventSafe(ctx context.Context, envelope events.Envelope) {
	if b.eventSink == nil {
		return
	}

	const (
		maxAttempts = 2
		retryDelay  = 200 * time.Millisecond
	)

	var lastErr error
	for attempt := range maxAttempts {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				SafeLogError(ctx, "event emission cancelled", "event_type", envelope.Type)
				return
			}
		}
		if lastErr = b.eventSink.Append(ctx, envelope); lastErr == nil {
			SafeLog(ctx, "event emitted", "event_type", envelope.Type, "idempotency_key", envelope.IdempotencyKey)
			return
		}
	}
	SafeLogError(ctx, "event emission failed", "event_type", envelope.Type, "attempts", maxAttempts, "error", lastErr)
}

// KeepAlive heartbeats every interval until the returned stop is called.
func KeepAlive(ctx context.Context, interval time.Duration, details func() any) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				RecordHeartbeat(ctx, details())
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// SafeLog logs through the activity logger, or not at all outside an
// activity.
func SafeLog(ctx context.Context, msg string, keyvals ...any) {
	defer func() { _ = recover() }()
	activity.GetLogger(ctx).Info(msg, keyvals...)
}

// SafeLogError is SafeLog at error level.
func SafeLogError(ctx context.Context, msg string, keyvals ...any) {
	defer func() { _ = recover() }()
	activity.GetLogger(ctx).Error(msg, keyvals...)
}

// RecordHeartbeat heartbeats when ctx is an activity context.
func RecordHeartbeat(ctx context.Context, details ...any) {
	defer func() { _ = recover() }()
	activity.RecordHeartbeat(ctx, details...)
}
