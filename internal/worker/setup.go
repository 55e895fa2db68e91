package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	sdkworker "go.temporal.io/sdk/worker"

	"github.com/ahrav/promptlab/internal/configuration"
	"github.com/ahrav/promptlab/internal/domain"
	"github.com/ahrav/promptlab/internal/workflow"
)

// Dial connects to the Temporal frontend named in cfg.
func Dial(cfg configuration.TemporalConfig, logger *slog.Logger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    tlog.NewStructuredLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal %s: %w", cfg.HostPort, err)
	}
	return c, nil
}

// Run polls cfg.TaskQueue until ctx is cancelled.
func Run(ctx context.Context, c client.Client, cfg configuration.TemporalConfig, acts *Activities) error {
	w := sdkworker.New(c, cfg.TaskQueue, sdkworker.Options{})
	RegisterAll(w, acts)
	if err := w.Start(); err != nil {
		return fmt.Errorf("start temporal worker: %w", err)
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

// JobGetter looks up a job.
type JobGetter interface {
	Get(ctx context.Context, id string) (*domain.Job, error)
}

// Submitter starts one JobWorkflow per submitted job.
type Submitter struct {
	client    client.Client
	jobs      JobGetter
	taskQueue string
	timeout   time.Duration
}

// NewSubmitter creates a Submitter. attemptTimeout bounds each attempt.
func NewSubmitter(c client.Client, jobs JobGetter, taskQueue string, attemptTimeout time.Duration) *Submitter {
	return &Submitter{client: c, jobs: jobs, taskQueue: taskQueue, timeout: attemptTimeout}
}

// Submit starts the workflow for id.
func (s *Submitter) Submit(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	opts := client.StartWorkflowOptions{
		ID:        workflow.WorkflowID(id),
		TaskQueue: s.taskQueue,
	}
	in := workflow.JobInput{JobID: id, MaxAttempts: j.MaxAttempts, Timeout: s.timeout}
	if _, err := s.client.ExecuteWorkflow(ctx, opts, workflow.JobWorkflow, in); err != nil {
		return fmt.Errorf("start workflow for job %s: %w", id, err)
	}
	return nil
}
