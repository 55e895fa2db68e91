package workflow

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/ahrav/promptlab/internal/domain"
)

// ExecuteJobActivity is the registered name of the activity that runs one
// attempt of a job.
const ExecuteJobActivity = "ExecuteJob"

// Application error types reported by the activity. Retryable categories
// from the provider classification are reported as their category name.
const (
	ErrTypeValidation  = "Validation"
	ErrTypeRequeued    = "Requeued"
	ErrTypeNotRunnable = "NotRunnable"
)

// DefaultAttemptTimeout bounds a single ExecuteJob attempt.
const DefaultAttemptTimeout = 10 * time.Minute

var errMissingJobID = errors.New("job id is required")

// JobInput starts a JobWorkflow.
type JobInput struct {
	JobID       string        `json:"job_id"`
	MaxAttempts int           `json:"max_attempts"`
	Timeout     time.Duration `json:"timeout"`
}

// JobOutcome is the terminal state reported by the activity.
type JobOutcome struct {
	JobID        string           `json:"job_id"`
	Status       domain.JobStatus `json:"status"`
	AverageScore *float64         `json:"average_score,omitempty"`
	Attempts     int              `json:"attempts"`
}

// WorkflowID is the Temporal workflow id used for a job. One workflow per job
// keeps duplicate submissions idempotent.
func WorkflowID(jobID string) string { return "promptlab-job-" + jobID }

// JobWorkflow runs ExecuteJob until the job reaches a terminal state. Each
// activity retry is one job attempt; the job itself enforces its attempt
// limit, so the retry policy only needs to be at least as generous.
func JobWorkflow(ctx workflow.Context, in JobInput) (*JobOutcome, error) {
	const currentVersion = 1
	_ = workflow.GetVersion(ctx, "job.v", workflow.DefaultVersion, currentVersion)

	if in.JobID == "" {
		return nil, temporal.NewNonRetryableApplicationError("invalid job input", ErrTypeValidation, errMissingJobID)
	}
	attempts := in.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    int32(attempts),
			NonRetryableErrorTypes: []string{
				ErrTypeValidation,
				ErrTypeNotRunnable,
			},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	logger := workflow.GetLogger(ctx)
	logger.Info("job workflow started", "job_id", in.JobID, "max_attempts", attempts)

	var out JobOutcome
	if err := workflow.ExecuteActivity(ctx, ExecuteJobActivity, in.JobID).Get(ctx, &out); err != nil {
		logger.Warn("job workflow failed", "job_id", in.JobID, "error", err)
		return nil, err
	}

	logger.Info("job workflow finished", "job_id", in.JobID, "status", out.Status)
	return &out, nil
}
