package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ahrav/promptlab/internal/domain"
)

// MemoryStore keeps jobs in a map. It is the default for single-process use
// and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*domain.Job)}
}

func (s *MemoryStore) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*domain.Job) error) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	updated := j.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	s.jobs[id] = updated
	return updated.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]domain.JobSummary, error) {
	s.mu.RLock()
	matched := make([]*domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if filter.matches(j) {
			matched = append(matched, j)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, k int) bool {
		if !matched[i].CreatedAt.Equal(matched[k].CreatedAt) {
			return matched[i].CreatedAt.After(matched[k].CreatedAt)
		}
		return matched[i].ID < matched[k].ID
	})

	if filter.Offset >= len(matched) {
		return []domain.JobSummary{}, nil
	}
	matched = matched[max(filter.Offset, 0):]
	if len(matched) > filter.limit() {
		matched = matched[:filter.limit()]
	}
	out := make([]domain.JobSummary, len(matched))
	for i, j := range matched {
		out[i] = j.Summary()
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	delete(s.jobs, id)
	return true, nil
}

func (s *MemoryStore) Close() error { return nil }
