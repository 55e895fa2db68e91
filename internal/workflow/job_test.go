package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/ahrav/promptlab/internal/domain"
)

// executeJob stands in for the worker's activity so the workflow can be
// tested without a service.
func executeJob(context.Context, string) (*JobOutcome, error) {
	return nil, errors.New("not mocked")
}

func newEnv(t *testing.T) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterActivityWithOptions(executeJob, activity.RegisterOptions{Name: ExecuteJobActivity})
	return env
}

func TestJobWorkflowCompletes(t *testing.T) {
	env := newEnv(t)
	avg := 42.0
	env.OnActivity(ExecuteJobActivity, mock.Anything, "job-1").
		Return(&JobOutcome{JobID: "job-1", Status: domain.JobCompleted, AverageScore: &avg, Attempts: 1}, nil).
		Once()

	env.ExecuteWorkflow(JobWorkflow, JobInput{JobID: "job-1", MaxAttempts: 3})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out JobOutcome
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, domain.JobCompleted, out.Status)
	require.NotNil(t, out.AverageScore)
	assert.InDelta(t, 42.0, *out.AverageScore, 1e-9)
	env.AssertExpectations(t)
}

func TestJobWorkflowRetriesRequeuedAttempts(t *testing.T) {
	env := newEnv(t)
	requeued := temporal.NewApplicationError("job requeued", ErrTypeRequeued)
	env.OnActivity(ExecuteJobActivity, mock.Anything, "job-1").Return(nil, requeued).Twice()
	env.OnActivity(ExecuteJobActivity, mock.Anything, "job-1").
		Return(&JobOutcome{JobID: "job-1", Status: domain.JobCompleted, Attempts: 3}, nil).
		Once()

	env.ExecuteWorkflow(JobWorkflow, JobInput{JobID: "job-1", MaxAttempts: 3})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func TestJobWorkflowStopsOnNonRetryable(t *testing.T) {
	tests := []struct {
		name    string
		errType string
	}{
		{name: "not runnable", errType: ErrTypeNotRunnable},
		{name: "validation", errType: ErrTypeValidation},
		{name: "terminal provider failure", errType: "provider_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			var fail error
			if tt.errType == "provider_error" {
				fail = temporal.NewNonRetryableApplicationError("bad request", tt.errType, nil)
			} else {
				fail = temporal.NewApplicationError("stop", tt.errType)
			}
			env.OnActivity(ExecuteJobActivity, mock.Anything, "job-1").Return(nil, fail).Once()

			env.ExecuteWorkflow(JobWorkflow, JobInput{JobID: "job-1", MaxAttempts: 5})

			require.True(t, env.IsWorkflowCompleted())
			err := env.GetWorkflowError()
			require.Error(t, err)
			var appErr *temporal.ApplicationError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.errType, appErr.Type())
			env.AssertExpectations(t)
		})
	}
}

func TestJobWorkflowRejectsMissingID(t *testing.T) {
	env := newEnv(t)
	env.ExecuteWorkflow(JobWorkflow, JobInput{})

	require.True(t, env.IsWorkflowCompleted())
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, env.GetWorkflowError(), &appErr)
	assert.Equal(t, ErrTypeValidation, appErr.Type())
	assert.True(t, appErr.NonRetryable())
}

func TestWorkflowID(t *testing.T) {
	assert.Equal(t, "promptlab-job-abc", WorkflowID("abc"))
}
