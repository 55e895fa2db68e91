// Package store persists jobs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ahrav/promptlab/internal/domain"
)

var (
	// ErrNotFound is returned when no job has the requested id.
	ErrNotFound = errors.New("job not found")
	// ErrDuplicate is returned when creating a job whose id already exists.
	ErrDuplicate = errors.New("job already exists")
)

// DefaultListLimit caps List when Filter.Limit is zero.
const DefaultListLimit = 100

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Provider string
	Status   domain.JobStatus
	Since    time.Time
	Limit    int
	Offset   int
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

func (f Filter) matches(j *domain.Job) bool {
	if f.Provider != "" && j.Provider != f.Provider {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && j.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// Store is the job persistence boundary. Implementations return copies;
// callers never share memory with the store.
type Store interface {
	Create(ctx context.Context, job *domain.Job) error
	FindByID(ctx context.Context, id string) (*domain.Job, error)
	// Update loads the job, applies fn and saves the result atomically. An
	// error from fn aborts the update and is returned unchanged.
	Update(ctx context.Context, id string, fn func(*domain.Job) error) (*domain.Job, error)
	// List returns summaries, newest first.
	List(ctx context.Context, filter Filter) ([]domain.JobSummary, error)
	Delete(ctx context.Context, id string) (bool, error)
	Close() error
}
