package worker

import (
	"go.temporal.io/sdk/activity"

	"github.com/ahrav/promptlab/internal/workflow"
)

// Registry is the part of a Temporal worker (or test environment) used for
// registration.
type Registry interface {
	RegisterWorkflow(w any)
	RegisterActivityWithOptions(a any, options activity.RegisterOptions)
}

// RegisterAll registers JobWorkflow and the job activities. Call once before
// starting the worker.
func RegisterAll(r Registry, acts *Activities) {
	r.RegisterWorkflow(workflow.JobWorkflow)
	r.RegisterActivityWithOptions(acts.ExecuteJob, activity.RegisterOptions{Name: workflow.ExecuteJobActivity})
}
