package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatdesk-core/internal/errs"
)

// RunStore persists workflow runs. Scheduled runs must survive a crash:
// the sweep resumes from persisted FireAt, so Create/Update must be durable
// before the engine considers a run scheduled.
type RunStore interface {
	Create(ctx context.Context, r Run) error
	Update(ctx context.Context, r Run) error
	Get(ctx context.Context, id string) (Run, error)

	// DueScheduled returns scheduled runs with FireAt <= now, oldest first.
	DueScheduled(ctx context.Context, now time.Time, limit int) ([]Run, error)
}

// MemoryRunStore is the in-memory RunStore for tests and single-process
// deployments.
type MemoryRunStore struct {
	mu   sync.Mutex
	runs map[string]Run
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: map[string]Run{}}
}

func (s *MemoryRunStore) Create(ctx context.Context, r Run) error {
	if r.ID == "" {
		return errs.Validation("workflow: run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[r.ID]; exists {
		return errs.Conflict("workflow: run already exists")
	}
	s.runs[r.ID] = r
	return nil
}

func (s *MemoryRunStore) Update(ctx context.Context, r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[r.ID]; !exists {
		return errs.NotFound("workflow: run not found")
	}
	s.runs[r.ID] = r
	return nil
}

func (s *MemoryRunStore) Get(ctx context.Context, id string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return Run{}, errs.NotFound("workflow: run not found")
	}
	return r, nil
}

func (s *MemoryRunStore) DueScheduled(ctx context.Context, now time.Time, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Run
	for _, r := range s.runs {
		if r.State == RunScheduled && !r.FireAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
