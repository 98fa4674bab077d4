package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatdesk-core/internal/errs"
)

// TaskStore persists dispatch tasks. Retry state (attempt, next_attempt_at)
// must be durable before an attempt is considered scheduled.
type TaskStore interface {
	Create(ctx context.Context, t Task) error
	Update(ctx context.Context, t Task) error
	Get(ctx context.Context, id string) (Task, error)

	// FindPendingByKey returns a pending task carrying the same idempotency
	// key, for enqueue-time dedup.
	FindPendingByKey(ctx context.Context, key string) (Task, bool, error)

	// Due returns pending tasks with NextAttemptAt <= now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]Task, error)
}

// MemoryTaskStore is the in-memory TaskStore for tests and single-process
// deployments.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]Task
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: map[string]Task{}}
}

func (s *MemoryTaskStore) Create(ctx context.Context, t Task) error {
	if t.ID == "" {
		return errs.Validation("dispatch: task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return errs.Conflict("dispatch: task already exists")
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *MemoryTaskStore) Update(ctx context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; !exists {
		return errs.NotFound("dispatch: task not found")
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *MemoryTaskStore) Get(ctx context.Context, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, errs.NotFound("dispatch: task not found")
	}
	return t, nil
}

func (s *MemoryTaskStore) FindPendingByKey(ctx context.Context, key string) (Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.IdempotencyKey == key && t.Status == TaskPending {
			return t, true, nil
		}
	}
	return Task{}, false, nil
}

func (s *MemoryTaskStore) Due(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Task
	for _, t := range s.tasks {
		if t.Status == TaskPending && !t.NextAttemptAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
