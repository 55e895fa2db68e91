package domain

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job lifecycle states.
const (
	JobPending    JobStatus = "pending"
	JobRunning    JobStatus = "running"
	JobEvaluating JobStatus = "evaluating"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// IsActive reports whether the job can still be cancelled.
func (s JobStatus) IsActive() bool {
	return s == JobPending || s == JobRunning || s == JobEvaluating
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// transitions lists the allowed successor states. Running and evaluating may
// return to pending when a retryable attempt failed and attempts remain.
var transitions = map[JobStatus][]JobStatus{
	JobPending:    {JobRunning, JobCancelled},
	JobRunning:    {JobEvaluating, JobFailed, JobCancelled, JobPending},
	JobEvaluating: {JobCompleted, JobFailed, JobCancelled, JobPending},
	JobCompleted:  nil,
	JobFailed:     nil,
	JobCancelled:  nil,
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to JobStatus) bool {
	return slices.Contains(transitions[from], to)
}

// MetricInput is the auxiliary input some metric plugins require.
type MetricInput struct {
	Reference string   `json:"reference,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`
	Text      string   `json:"text,omitempty"`
}

// MetricSelection picks one plugin by id with its optional input.
type MetricSelection struct {
	ID    string       `json:"id" validate:"required"`
	Input *MetricInput `json:"input,omitempty"`
}

// Job is one request to run a prompt through a provider and evaluate the
// output. Inputs are fixed at creation; the lifecycle methods below are the
// only way state changes.
type Job struct {
	ID string `json:"id"`

	// Inputs.
	Prompt          string            `json:"prompt"`
	Template        string            `json:"template,omitempty"`
	InputData       map[string]string `json:"input_data,omitempty"`
	Provider        string            `json:"provider"`
	Model           string            `json:"model"`
	Temperature     *float64          `json:"temperature,omitempty"`
	TopP            *float64          `json:"top_p,omitempty"`
	MaxTokens       *int              `json:"max_tokens,omitempty"`
	SelectedMetrics []MetricSelection `json:"selected_metrics,omitempty"`
	DisabledMetrics []string          `json:"disabled_metrics,omitempty"`
	ReferenceText   string            `json:"reference_text,omitempty"`

	// Mutable state.
	Status          JobStatus      `json:"status"`
	Result          *string        `json:"result,omitempty"`
	PartialResult   string         `json:"partial_result,omitempty"`
	Metrics         map[string]any `json:"metrics,omitempty"`
	AverageScore    *float64       `json:"average_score,omitempty"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	ErrorType       *string        `json:"error_type,omitempty"`
	LastError       *string        `json:"last_error,omitempty"`
	TokensUsed      *int64         `json:"tokens_used,omitempty"`
	CostUSD         *float64       `json:"cost_usd,omitempty"`
	CancelRequested bool           `json:"cancel_requested"`
	AttemptCount    int            `json:"attempt_count"`
	MaxAttempts     int            `json:"max_attempts"`
	WorkerID        *string        `json:"worker_id,omitempty"`
	ClaimedAt       *time.Time     `json:"claimed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// JobSummary is the list-view projection of a job.
type JobSummary struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Status       JobStatus `json:"status"`
	Prompt       string    `json:"prompt"`
	AverageScore *float64  `json:"average_score,omitempty"`
	TokensUsed   *int64    `json:"tokens_used,omitempty"`
	CostUSD      *float64  `json:"cost_usd,omitempty"`
	ErrorType    *string   `json:"error_type,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const summaryPromptLimit = 120

// Summary projects the job for list views.
func (j *Job) Summary() JobSummary {
	prompt := j.Prompt
	if r := []rune(prompt); len(r) > summaryPromptLimit {
		prompt = string(r[:summaryPromptLimit]) + "…"
	}
	return JobSummary{
		ID:           j.ID,
		Provider:     j.Provider,
		Model:        j.Model,
		Status:       j.Status,
		Prompt:       prompt,
		AverageScore: j.AverageScore,
		TokensUsed:   j.TokensUsed,
		CostUSD:      j.CostUSD,
		ErrorType:    j.ErrorType,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

// NewJob builds a pending job from a validated request. The prompt is the
// rendered template when the request carries one.
func NewJob(req CreateJobRequest, defaultMaxAttempts int, now time.Time) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	prompt, err := req.RenderedPrompt()
	if err != nil {
		return nil, err
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &Job{
		ID:              uuid.NewString(),
		Prompt:          prompt,
		Template:        req.Template,
		InputData:       cloneStringMap(req.InputData),
		Provider:        req.Provider,
		Model:           req.Model,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxTokens:       req.MaxTokens,
		SelectedMetrics: cloneSelections(req.Metrics),
		DisabledMetrics: slices.Clone(req.DisabledMetrics),
		ReferenceText:   req.ReferenceText,
		Status:          JobPending,
		MaxAttempts:     maxAttempts,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (j *Job) transition(to JobStatus, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	j.UpdatedAt = now
	return nil
}

// Claim moves a pending job to running for workerID and counts the attempt.
func (j *Job) Claim(workerID string, now time.Time) error {
	if j.Status == JobPending && j.AttemptCount >= j.MaxAttempts {
		return fmt.Errorf("%w: %d of %d", ErrAttemptsExhausted, j.AttemptCount, j.MaxAttempts)
	}
	if err := j.transition(JobRunning, now); err != nil {
		return err
	}
	j.AttemptCount++
	j.WorkerID = &workerID
	claimed := now
	j.ClaimedAt = &claimed
	j.PartialResult = ""
	return nil
}

// StartEvaluation records that the provider finished and metric
// computation begins.
func (j *Job) StartEvaluation(output string, now time.Time) error {
	if err := j.transition(JobEvaluating, now); err != nil {
		return err
	}
	j.PartialResult = output
	return nil
}

// Complete stores the final result. result and metrics are only ever set here.
func (j *Job) Complete(result string, metrics map[string]any, average float64, tokens int64, cost float64, now time.Time) error {
	if err := j.transition(JobCompleted, now); err != nil {
		return err
	}
	j.Result = &result
	j.PartialResult = ""
	j.Metrics = maps.Clone(metrics)
	j.AverageScore = &average
	j.TokensUsed = &tokens
	j.CostUSD = &cost
	j.ErrorMessage, j.ErrorType = nil, nil
	return nil
}

// Fail marks the job terminally failed with a human-readable message and a
// machine-readable category.
func (j *Job) Fail(message, errType string, now time.Time) error {
	if err := j.transition(JobFailed, now); err != nil {
		return err
	}
	j.ErrorMessage = &message
	j.ErrorType = &errType
	return nil
}

// CanRetry reports whether a retryable failure may send the job back to
// pending.
func (j *Job) CanRetry() bool {
	return (j.Status == JobRunning || j.Status == JobEvaluating) && j.AttemptCount < j.MaxAttempts
}

// Requeue returns the job to pending after a retryable failure. The error is
// kept in LastError; ErrorMessage stays reserved for terminal failure.
func (j *Job) Requeue(message, errType string, now time.Time) error {
	if !j.CanRetry() {
		return fmt.Errorf("%w: %d of %d", ErrAttemptsExhausted, j.AttemptCount, j.MaxAttempts)
	}
	if err := j.transition(JobPending, now); err != nil {
		return err
	}
	last := fmt.Sprintf("attempt %d: %s: %s", j.AttemptCount, errType, message)
	j.LastError = &last
	j.WorkerID, j.ClaimedAt = nil, nil
	return nil
}

// Cancel moves an active job to cancelled, keeping partial output for display.
func (j *Job) Cancel(partial string, now time.Time) error {
	if err := j.transition(JobCancelled, now); err != nil {
		return err
	}
	j.CancelRequested = true
	j.PartialResult = partial
	return nil
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.InputData = cloneStringMap(j.InputData)
	c.SelectedMetrics = cloneSelections(j.SelectedMetrics)
	c.DisabledMetrics = slices.Clone(j.DisabledMetrics)
	c.Metrics = maps.Clone(j.Metrics)
	c.Temperature = clonePtr(j.Temperature)
	c.TopP = clonePtr(j.TopP)
	c.MaxTokens = clonePtr(j.MaxTokens)
	c.Result = clonePtr(j.Result)
	c.AverageScore = clonePtr(j.AverageScore)
	c.ErrorMessage = clonePtr(j.ErrorMessage)
	c.ErrorType = clonePtr(j.ErrorType)
	c.LastError = clonePtr(j.LastError)
	c.TokensUsed = clonePtr(j.TokensUsed)
	c.CostUSD = clonePtr(j.CostUSD)
	c.WorkerID = clonePtr(j.WorkerID)
	c.ClaimedAt = clonePtr(j.ClaimedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneSelections(in []MetricSelection) []MetricSelection {
	if in == nil {
		return nil
	}
	out := make([]MetricSelection, len(in))
	for i, s := range in {
		out[i] = MetricSelection{ID: s.ID}
		if s.Input != nil {
			out[i].Input = &MetricInput{
				Reference: s.Input.Reference,
				Keywords:  slices.Clone(s.Input.Keywords),
				Text:      s.Input.Text,
			}
		}
	}
	return out
}
