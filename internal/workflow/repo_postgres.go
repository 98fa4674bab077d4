package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"chatdesk-core/internal/errs"
)

// NOTE: This repository assumes the following tables exist:
// - workflow_definitions (nodes stored as jsonb)
// - workflow_runs (snapshot stored as jsonb, index on (state, fire_at))

// PostgresRunStore persists runs so scheduled delays survive restarts.
type PostgresRunStore struct {
	db *sql.DB
}

func NewPostgresRunStore(db *sql.DB) *PostgresRunStore { return &PostgresRunStore{db: db} }

const runColumns = `
id, workflow_id, workspace_id, chatbot_id, conversation_id, event_id, state,
retries, current_node_id, fire_at, fail_reason, snapshot, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var (
		r        Run
		fireAt   sql.NullTime
		snapshot []byte
	)
	if err := row.Scan(
		&r.ID,
		&r.WorkflowID,
		&r.WorkspaceID,
		&r.ChatbotID,
		&r.ConversationID,
		&r.EventID,
		&r.State,
		&r.Retries,
		&r.CurrentNodeID,
		&fireAt,
		&r.FailReason,
		&snapshot,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return Run{}, err
	}
	if fireAt.Valid {
		r.FireAt = fireAt.Time
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &r.Snapshot); err != nil {
			return Run{}, err
		}
	}
	return r, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (s *PostgresRunStore) Create(ctx context.Context, r Run) error {
	snapshot, err := json.Marshal(r.Snapshot)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO workflow_runs (` + runColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
`
	_, err = s.db.ExecContext(ctx, q,
		r.ID, r.WorkflowID, r.WorkspaceID, r.ChatbotID, r.ConversationID, r.EventID, r.State,
		r.Retries, r.CurrentNodeID, nullTime(r.FireAt), r.FailReason, snapshot, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (s *PostgresRunStore) Update(ctx context.Context, r Run) error {
	snapshot, err := json.Marshal(r.Snapshot)
	if err != nil {
		return err
	}
	const q = `
UPDATE workflow_runs
SET state = $2,
    retries = $3,
    current_node_id = $4,
    fire_at = $5,
    fail_reason = $6,
    snapshot = $7,
    updated_at = $8
WHERE id = $1
`
	res, err := s.db.ExecContext(ctx, q,
		r.ID, r.State, r.Retries, r.CurrentNodeID, nullTime(r.FireAt), r.FailReason, snapshot, r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("workflow: run not found")
	}
	return nil
}

func (s *PostgresRunStore) Get(ctx context.Context, id string) (Run, error) {
	const q = `
SELECT ` + runColumns + `
FROM workflow_runs
WHERE id = $1
`
	r, err := scanRun(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, errs.NotFound("workflow: run not found")
	}
	return r, err
}

func (s *PostgresRunStore) DueScheduled(ctx context.Context, now time.Time, limit int) ([]Run, error) {
	const q = `
SELECT ` + runColumns + `
FROM workflow_runs
WHERE state = $1 AND fire_at IS NOT NULL AND fire_at <= $2
ORDER BY fire_at
LIMIT $3
`
	rows, err := s.db.QueryContext(ctx, q, RunScheduled, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PostgresDefinitionStore persists workflow definitions.
type PostgresDefinitionStore struct {
	db *sql.DB
}

func NewPostgresDefinitionStore(db *sql.DB) *PostgresDefinitionStore {
	return &PostgresDefinitionStore{db: db}
}

func (s *PostgresDefinitionStore) Save(ctx context.Context, d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	nodes, err := json.Marshal(d.Nodes)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO workflow_definitions (id, workspace_id, chatbot_id, name, trigger, entry_node_id, nodes, is_active, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),now())
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name,
  trigger = EXCLUDED.trigger,
  entry_node_id = EXCLUDED.entry_node_id,
  nodes = EXCLUDED.nodes,
  is_active = EXCLUDED.is_active,
  updated_at = now()
`
	_, err = s.db.ExecContext(ctx, q, d.ID, d.WorkspaceID, d.ChatbotID, d.Name, d.Trigger, d.EntryNodeID, nodes, d.IsActive)
	return err
}

func (s *PostgresDefinitionStore) Load(ctx context.Context, chatbotID string) ([]Definition, error) {
	const q = `
SELECT id, workspace_id, chatbot_id, name, trigger, entry_node_id, nodes, is_active
FROM workflow_definitions
WHERE chatbot_id = $1
ORDER BY id
`
	rows, err := s.db.QueryContext(ctx, q, chatbotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Definition
	for rows.Next() {
		var (
			d     Definition
			nodes []byte
		)
		if err := rows.Scan(&d.ID, &d.WorkspaceID, &d.ChatbotID, &d.Name, &d.Trigger, &d.EntryNodeID, &nodes, &d.IsActive); err != nil {
			return nil, err
		}
		if len(nodes) > 0 {
			if err := json.Unmarshal(nodes, &d.Nodes); err != nil {
				return nil, err
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
