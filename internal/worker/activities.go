// Package worker runs jobs as Temporal activities so dispatch survives
// process restarts.
package worker

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"

	"github.com/ahrav/promptlab/internal/domain"
	"github.com/ahrav/promptlab/internal/job"
	llmerrors "github.com/ahrav/promptlab/internal/llm/errors"
	"github.com/ahrav/promptlab/internal/store"
	"github.com/ahrav/promptlab/internal/workflow"
	"github.com/ahrav/promptlab/pkg/activity"
	"github.com/ahrav/promptlab/pkg/events"
)

const eventSource = "promptlab-worker"

// DefaultHeartbeatInterval is how often a running attempt heartbeats.
const DefaultHeartbeatInterval = 10 * time.Second

// Activities runs job attempts for JobWorkflow.
type Activities struct {
	activity.BaseActivities
	svc       *job.Service
	heartbeat time.Duration
}

// NewActivities returns activities over svc that emit outcome envelopes to
// sink.
func NewActivities(svc *job.Service, sink events.EventSink) *Activities {
	return &Activities{
		BaseActivities: activity.NewBaseActivities(sink),
		svc:            svc,
		heartbeat:      DefaultHeartbeatInterval,
	}
}

func outcome(j *domain.Job) *workflow.JobOutcome {
	return &workflow.JobOutcome{
		JobID:        j.ID,
		Status:       j.Status,
		AverageScore: j.AverageScore,
		Attempts:     j.AttemptCount,
	}
}

// ExecuteJob runs one attempt of jobID. Requeued attempts come back as
// retryable application errors so the workflow's retry policy schedules the
// next attempt; terminal failures are non-retryable and typed with the error
// category.
func (a *Activities) ExecuteJob(ctx context.Context, jobID string) (*workflow.JobOutcome, error) {
	wf := a.GetWorkflowContext(ctx)
	activity.SafeLog(ctx, "executing job", "job_id", jobID, "attempt", wf.Attempt)

	stop := activity.KeepAlive(ctx, a.heartbeat, func() any { return jobID })
	defer stop()

	j, err := a.svc.Run(ctx, jobID)
	switch {
	case err == nil:
	case errors.Is(err, job.ErrRequeued):
		return nil, temporal.NewApplicationErrorWithCause("job requeued", workflow.ErrTypeRequeued, err)
	case errors.Is(err, job.ErrNotRunnable):
		// A previous attempt may have settled the job already.
		current, getErr := a.svc.Get(ctx, jobID)
		if getErr == nil && current.Status.IsTerminal() {
			j = current
			break
		}
		return nil, temporal.NewNonRetryableApplicationError("job is not runnable", workflow.ErrTypeNotRunnable, err)
	case errors.Is(err, store.ErrNotFound):
		return nil, temporal.NewNonRetryableApplicationError("job not found", workflow.ErrTypeValidation, err)
	default:
		var ce *llmerrors.CategorizedError
		if errors.As(err, &ce) && j != nil && j.Status.IsTerminal() {
			a.emit(ctx, wf, j)
			return nil, temporal.NewNonRetryableApplicationError(ce.Message, string(ce.Type), err)
		}
		return nil, temporal.NewApplicationErrorWithCause(err.Error(), "Internal", err)
	}

	a.emit(ctx, wf, j)
	return outcome(j), nil
}

func (a *Activities) emit(ctx context.Context, wf activity.WorkflowContext, j *domain.Job) {
	payload := map[string]any{
		"job_id":   j.ID,
		"status":   j.Status,
		"provider": j.Provider,
		"model":    j.Model,
		"attempts": j.AttemptCount,
	}
	if j.AverageScore != nil {
		payload["average_score"] = *j.AverageScore
	}
	if j.ErrorType != nil {
		payload["error_type"] = *j.ErrorType
	}
	envelope, err := events.NewEnvelope("job."+string(j.Status), eventSource, j.ID+":"+string(j.Status), payload, time.Now())
	if err != nil {
		activity.SafeLogError(ctx, "build job event", "job_id", j.ID, "error", err)
		return
	}
	envelope.WorkflowID = wf.WorkflowID
	envelope.RunID = wf.RunID
	a.EmitEventSafe(ctx, envelope)
}
