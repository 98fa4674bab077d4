package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"chatdesk-core/internal/errs"
)

// NOTE: This repository assumes a dispatch_tasks table with payload and
// failures stored as jsonb, and an index on (status, next_attempt_at).

// PostgresTaskStore persists dispatch tasks so retry state survives a crash.
type PostgresTaskStore struct {
	db *sql.DB
}

func NewPostgresTaskStore(db *sql.DB) *PostgresTaskStore { return &PostgresTaskStore{db: db} }

const taskColumns = `
id, action, payload, attempt, max_attempts, next_attempt_at, idempotency_key,
status, failures, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var (
		t        Task
		payload  []byte
		failures []byte
	)
	if err := row.Scan(
		&t.ID,
		&t.Action,
		&payload,
		&t.Attempt,
		&t.MaxAttempts,
		&t.NextAttemptAt,
		&t.IdempotencyKey,
		&t.Status,
		&failures,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return Task{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return Task{}, err
		}
	}
	if len(failures) > 0 {
		if err := json.Unmarshal(failures, &t.Failures); err != nil {
			return Task{}, err
		}
	}
	return t, nil
}

func (s *PostgresTaskStore) Create(ctx context.Context, t Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return err
	}
	failures, err := json.Marshal(t.Failures)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO dispatch_tasks (` + taskColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`
	_, err = s.db.ExecContext(ctx, q,
		t.ID, t.Action, payload, t.Attempt, t.MaxAttempts, t.NextAttemptAt,
		t.IdempotencyKey, t.Status, failures, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (s *PostgresTaskStore) Update(ctx context.Context, t Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return err
	}
	failures, err := json.Marshal(t.Failures)
	if err != nil {
		return err
	}
	const q = `
UPDATE dispatch_tasks
SET payload = $2,
    attempt = $3,
    next_attempt_at = $4,
    status = $5,
    failures = $6,
    updated_at = $7
WHERE id = $1
`
	res, err := s.db.ExecContext(ctx, q, t.ID, payload, t.Attempt, t.NextAttemptAt, t.Status, failures, t.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("dispatch: task not found")
	}
	return nil
}

func (s *PostgresTaskStore) Get(ctx context.Context, id string) (Task, error) {
	const q = `
SELECT ` + taskColumns + `
FROM dispatch_tasks
WHERE id = $1
`
	t, err := scanTask(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, errs.NotFound("dispatch: task not found")
	}
	return t, err
}

func (s *PostgresTaskStore) FindPendingByKey(ctx context.Context, key string) (Task, bool, error) {
	const q = `
SELECT ` + taskColumns + `
FROM dispatch_tasks
WHERE idempotency_key = $1 AND status = $2
LIMIT 1
`
	t, err := scanTask(s.db.QueryRowContext(ctx, q, key, TaskPending))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

func (s *PostgresTaskStore) Due(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	const q = `
SELECT ` + taskColumns + `
FROM dispatch_tasks
WHERE status = $1 AND next_attempt_at <= $2
ORDER BY next_attempt_at
LIMIT $3
`
	rows, err := s.db.QueryContext(ctx, q, TaskPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
