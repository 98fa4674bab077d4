package triage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"chatdesk-core/internal/errs"
	"chatdesk-core/pkg/utils"
)

// NOTE: This repository assumes the following tables exist:
// - triage_rules (keywords, conditions, actions stored as jsonb)
// - triage_queue (one row per conversation, UNIQUE (conversation_id))

// PostgresRuleStore persists triage rules.
type PostgresRuleStore struct {
	db *sql.DB
}

func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore { return &PostgresRuleStore{db: db} }

const ruleColumns = `
id, workspace_id, chatbot_id, name, is_active, priority, trigger_type,
sentiment_threshold, keywords, wait_threshold_minutes, conditions, actions,
created_at, updated_at`

func scanRule(row interface{ Scan(...any) error }) (Rule, error) {
	var (
		r          Rule
		keywords   []byte
		conditions []byte
		actions    []byte
	)
	if err := row.Scan(
		&r.ID,
		&r.WorkspaceID,
		&r.ChatbotID,
		&r.Name,
		&r.IsActive,
		&r.Priority,
		&r.TriggerType,
		&r.SentimentThreshold,
		&keywords,
		&r.WaitThresholdMinutes,
		&conditions,
		&actions,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return Rule{}, err
	}
	if len(keywords) > 0 {
		if err := json.Unmarshal(keywords, &r.Keywords); err != nil {
			return Rule{}, err
		}
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
			return Rule{}, err
		}
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &r.Actions); err != nil {
			return Rule{}, err
		}
	}
	return r, nil
}

func (s *PostgresRuleStore) Load(ctx context.Context, chatbotID string) ([]Rule, error) {
	if chatbotID == "" {
		return nil, errs.Validation("triage: chatbot id is required")
	}
	const q = `
SELECT ` + ruleColumns + `
FROM triage_rules
WHERE chatbot_id = $1
ORDER BY created_at
`
	rows, err := s.db.QueryContext(ctx, q, chatbotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresRuleStore) Get(ctx context.Context, id string) (Rule, error) {
	const q = `
SELECT ` + ruleColumns + `
FROM triage_rules
WHERE id = $1
`
	r, err := scanRule(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Rule{}, errs.NotFound("triage: rule not found")
	}
	return r, err
}

func (s *PostgresRuleStore) Save(ctx context.Context, r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	keywords, err := json.Marshal(r.Keywords)
	if err != nil {
		return err
	}
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return err
	}
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO triage_rules (` + ruleColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now(),now())
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name,
  is_active = EXCLUDED.is_active,
  priority = EXCLUDED.priority,
  trigger_type = EXCLUDED.trigger_type,
  sentiment_threshold = EXCLUDED.sentiment_threshold,
  keywords = EXCLUDED.keywords,
  wait_threshold_minutes = EXCLUDED.wait_threshold_minutes,
  conditions = EXCLUDED.conditions,
  actions = EXCLUDED.actions,
  updated_at = now()
`
	_, err = s.db.ExecContext(ctx, q,
		r.ID, r.WorkspaceID, r.ChatbotID, r.Name, r.IsActive, r.Priority, r.TriggerType,
		r.SentimentThreshold, keywords, r.WaitThresholdMinutes, conditions, actions,
	)
	return err
}

func (s *PostgresRuleStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triage_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("triage: rule not found")
	}
	return nil
}

// PostgresQueueStore persists queue items with optimistic versioning.
type PostgresQueueStore struct {
	db *sql.DB
}

func NewPostgresQueueStore(db *sql.DB) *PostgresQueueStore { return &PostgresQueueStore{db: db} }

const queueColumns = `
conversation_id, workspace_id, priority, escalation_reason, assigned_to, tags,
version, created_at, updated_at`

func scanQueueItem(row interface{ Scan(...any) error }) (QueueItem, error) {
	var (
		item QueueItem
		tags []byte
	)
	if err := row.Scan(
		&item.ConversationID,
		&item.WorkspaceID,
		&item.Priority,
		&item.EscalationReason,
		&item.AssignedTo,
		&tags,
		&item.Version,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return QueueItem{}, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &item.Tags); err != nil {
			return QueueItem{}, err
		}
	}
	return item, nil
}

func (s *PostgresQueueStore) Get(ctx context.Context, conversationID string) (QueueItem, error) {
	const q = `
SELECT ` + queueColumns + `
FROM triage_queue
WHERE conversation_id = $1
`
	item, err := scanQueueItem(s.db.QueryRowContext(ctx, q, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, errs.NotFound("triage: queue item not found")
	}
	return item, err
}

func (s *PostgresQueueStore) Create(ctx context.Context, item QueueItem) error {
	if item.ConversationID == "" {
		return errs.Validation("triage: conversation id is required")
	}
	tags, err := json.Marshal(item.Tags)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO triage_queue (` + queueColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,1,$7,$8)
ON CONFLICT (conversation_id) DO NOTHING
`
	res, err := s.db.ExecContext(ctx, q,
		item.ConversationID, item.WorkspaceID, item.Priority, item.EscalationReason,
		item.AssignedTo, tags, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Conflict("triage: queue item already exists")
	}
	return nil
}

// Update lands only when the stored version still matches expectedVersion.
func (s *PostgresQueueStore) Update(ctx context.Context, item QueueItem, expectedVersion int) error {
	tags, err := json.Marshal(item.Tags)
	if err != nil {
		return err
	}
	const q = `
UPDATE triage_queue
SET priority = $2,
    escalation_reason = $3,
    assigned_to = $4,
    tags = $5,
    version = version + 1,
    updated_at = $6
WHERE conversation_id = $1 AND version = $7
`
	// The UPDATE and the row-existence probe run in one transaction so the
	// caller's retry loop branches on a consistent snapshot.
	return utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q,
			item.ConversationID, item.Priority, item.EscalationReason,
			item.AssignedTo, tags, item.UpdatedAt, expectedVersion,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Version mismatch and missing row look the same to the UPDATE.
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM triage_queue WHERE conversation_id = $1)`,
				item.ConversationID,
			).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return errs.Conflict("triage: queue item version changed")
			}
			return errs.NotFound("triage: queue item not found")
		}
		return nil
	})
}

func (s *PostgresQueueStore) Remove(ctx context.Context, conversationID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triage_queue WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("triage: queue item not found")
	}
	return nil
}

func (s *PostgresQueueStore) List(ctx context.Context, workspaceID string) ([]QueueItem, error) {
	const q = `
SELECT ` + queueColumns + `
FROM triage_queue
WHERE ($1 = '' OR workspace_id = $1)
ORDER BY created_at
`
	rows, err := s.db.QueryContext(ctx, q, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
