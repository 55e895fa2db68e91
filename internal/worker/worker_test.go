package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/ahrav/promptlab/internal/cancellation"
	"github.com/ahrav/promptlab/internal/domain"
	"github.com/ahrav/promptlab/internal/job"
	llmerrors "github.com/ahrav/promptlab/internal/llm/errors"
	"github.com/ahrav/promptlab/internal/llm/providers"
	"github.com/ahrav/promptlab/internal/llm/resilience"
	"github.com/ahrav/promptlab/internal/metric"
	"github.com/ahrav/promptlab/internal/store"
	"github.com/ahrav/promptlab/internal/stream"
	"github.com/ahrav/promptlab/internal/worker"
	"github.com/ahrav/promptlab/internal/workflow"
	"github.com/ahrav/promptlab/pkg/events"
)

type fixture struct {
	svc  *job.Service
	sink *events.MemorySink
	env  *testsuite.TestWorkflowEnvironment
}

func newFixture(t *testing.T, stub *providers.Stub) *fixture {
	t.Helper()
	plugins := metric.NewRegistry()
	metric.RegisterBuiltins(plugins)
	svc := job.NewService(
		store.NewMemoryStore(),
		providers.NewRegistry(stub),
		metric.NewEvaluator(plugins),
		stream.NewHub(),
		cancellation.NewRegistry(),
		resilience.NewCaller(resilience.Policy{Timeout: 2 * time.Second, MaxRetries: 1}),
		job.WithWorkerID("temporal-test"),
	)

	var suite testsuite.WorkflowTestSuite
	f := &fixture{svc: svc, sink: events.NewMemorySink(), env: suite.NewTestWorkflowEnvironment()}
	worker.RegisterAll(f.env, worker.NewActivities(svc, f.sink))
	return f
}

func (f *fixture) create(t *testing.T, maxAttempts int) *domain.Job {
	t.Helper()
	j, err := f.svc.Create(context.Background(), domain.CreateJobRequest{
		Prompt:      "Say hello",
		Provider:    providers.ProviderStub,
		Model:       "m1",
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	return j
}

func (f *fixture) run(j *domain.Job) {
	f.env.ExecuteWorkflow(workflow.JobWorkflow, workflow.JobInput{JobID: j.ID, MaxAttempts: j.MaxAttempts})
}

func TestJobWorkflowEndToEnd(t *testing.T) {
	f := newFixture(t, providers.NewStub(providers.WithStubChunks("Hel", "lo")))
	j := f.create(t, 0)

	f.run(j)

	require.True(t, f.env.IsWorkflowCompleted())
	require.NoError(t, f.env.GetWorkflowError())
	var out workflow.JobOutcome
	require.NoError(t, f.env.GetWorkflowResult(&out))
	assert.Equal(t, domain.JobCompleted, out.Status)
	assert.Equal(t, 1, out.Attempts)
	assert.NotNil(t, out.AverageScore)

	stored, err := f.svc.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Result)
	assert.Equal(t, "Hello", *stored.Result)

	envs := f.sink.Envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, "job.completed", envs[0].Type)
	assert.Equal(t, j.ID+":completed", envs[0].IdempotencyKey)
}

func TestJobWorkflowRetriesRequeuedJob(t *testing.T) {
	stub := providers.NewStub(providers.WithStubFailures(errors.New("connection reset by peer")))
	f := newFixture(t, stub)
	j := f.create(t, 3)

	f.run(j)

	require.True(t, f.env.IsWorkflowCompleted())
	require.NoError(t, f.env.GetWorkflowError())
	var out workflow.JobOutcome
	require.NoError(t, f.env.GetWorkflowResult(&out))
	assert.Equal(t, domain.JobCompleted, out.Status)
	assert.Equal(t, 2, out.Attempts)
}

func TestJobWorkflowTerminalFailure(t *testing.T) {
	stub := providers.NewStub(providers.WithStubFailures(&llmerrors.ProviderError{
		Provider: providers.ProviderStub, StatusCode: 401, Message: "bad key", Type: llmerrors.ErrorTypeProvider,
	}))
	f := newFixture(t, stub)
	j := f.create(t, 3)

	f.run(j)

	require.True(t, f.env.IsWorkflowCompleted())
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, f.env.GetWorkflowError(), &appErr)
	assert.Equal(t, string(llmerrors.ErrorTypeProvider), appErr.Type())
	assert.Equal(t, int64(1), stub.Calls())

	stored, err := f.svc.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, stored.Status)

	envs := f.sink.Envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, "job.failed", envs[0].Type)
}

func TestJobWorkflowCancelledBeforeStart(t *testing.T) {
	f := newFixture(t, providers.NewStub())
	j := f.create(t, 0)
	require.NoError(t, f.svc.Cancel(context.Background(), j.ID))

	f.run(j)

	require.True(t, f.env.IsWorkflowCompleted())
	require.NoError(t, f.env.GetWorkflowError())
	var out workflow.JobOutcome
	require.NoError(t, f.env.GetWorkflowResult(&out))
	assert.Equal(t, domain.JobCancelled, out.Status)
}

func TestJobWorkflowUnknownJob(t *testing.T) {
	f := newFixture(t, providers.NewStub())
	f.env.ExecuteWorkflow(workflow.JobWorkflow, workflow.JobInput{JobID: "missing"})

	require.True(t, f.env.IsWorkflowCompleted())
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, f.env.GetWorkflowError(), &appErr)
	assert.Equal(t, workflow.ErrTypeValidation, appErr.Type())
}

type jobGetter map[string]*domain.Job

func (g jobGetter) Get(_ context.Context, id string) (*domain.Job, error) {
	if j, ok := g[id]; ok {
		return j, nil
	}
	return nil, store.ErrNotFound
}

func TestSubmitterStartsWorkflow(t *testing.T) {
	c := &mocks.Client{}
	var gotOpts client.StartWorkflowOptions
	var gotInput workflow.JobInput
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			gotOpts = args.Get(1).(client.StartWorkflowOptions)
			gotInput = args.Get(3).(workflow.JobInput)
		}).
		Return(&mocks.WorkflowRun{}, nil).
		Once()

	sub := worker.NewSubmitter(c, jobGetter{"j1": {ID: "j1", MaxAttempts: 4}}, "promptlab-jobs", time.Minute)
	require.NoError(t, sub.Submit("j1"))

	assert.Equal(t, workflow.WorkflowID("j1"), gotOpts.ID)
	assert.Equal(t, "promptlab-jobs", gotOpts.TaskQueue)
	assert.Equal(t, workflow.JobInput{JobID: "j1", MaxAttempts: 4, Timeout: time.Minute}, gotInput)
	c.AssertExpectations(t)
}

func TestSubmitterErrors(t *testing.T) {
	c := &mocks.Client{}
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("frontend unavailable")).
		Once()
	sub := worker.NewSubmitter(c, jobGetter{"j1": {ID: "j1", MaxAttempts: 3}}, "q", time.Minute)

	assert.ErrorIs(t, sub.Submit("missing"), store.ErrNotFound)
	assert.ErrorContains(t, sub.Submit("j1"), "frontend unavailable")
	c.AssertExpectations(t)
}
