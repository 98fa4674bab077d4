package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - workspace_id is required for tenancy isolation.
// - Audit capture is best-effort; never block automation flows on audit failures.
//
// Storage recommendation (Postgres):
// - Table audit_events with an INSERT-only policy.
// - Optional: trigger to prevent UPDATE/DELETE.
// - Optional: partition by time for retention.

type Event struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the event (if applicable).
	// System-originated events (dead letters, permissive-mode notices) leave
	// it empty.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	// IPAddress should capture the original client IP when available.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Target identifiers (optional, depending on the event type).
	RuleID         string `json:"rule_id,omitempty" db:"rule_id"`
	WorkflowID     string `json:"workflow_id,omitempty" db:"workflow_id"`
	ConversationID string `json:"conversation_id,omitempty" db:"conversation_id"`
	TaskID         string `json:"task_id,omitempty" db:"task_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeRuleChange     EventType = "rule_change"
	EventTypeWorkflowChange EventType = "workflow_change"
	EventTypeDeadLetter     EventType = "dispatch_dead_letter"
	EventTypePermissiveMode EventType = "gateway_permissive_mode"
)
