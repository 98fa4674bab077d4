package dispatch

import (
	"time"

	"chatdesk-core/internal/errs"
)

// Action names the side effect a task performs. Handlers are registered per
// action; unknown actions fail enqueue validation.
type Action string

const (
	ActionChangeStatus Action = "change_status"
	ActionNotify       Action = "notify"
	ActionAddNote      Action = "add_note"
	ActionExternalCall Action = "external_call"
)

type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskSucceeded    TaskStatus = "succeeded"
	TaskDeadLettered TaskStatus = "dead_lettered"
	TaskCanceled     TaskStatus = "canceled"
)

// Task is a side-effect request owned exclusively by the dispatcher.
// Other components enqueue tasks; none of them ever mutates one.
type Task struct {
	ID      string         `json:"id" db:"id"`
	Action  Action         `json:"action" db:"action"`
	Payload map[string]any `json:"payload,omitempty" db:"payload"`

	Attempt     int `json:"attempt" db:"attempt"`
	MaxAttempts int `json:"max_attempts" db:"max_attempts"`

	// NextAttemptAt is persisted so retry state survives a crash; the sweep
	// drains tasks whose time has come.
	NextAttemptAt time.Time `json:"next_attempt_at" db:"next_attempt_at"`

	// IdempotencyKey guarantees at most one effective execution within the
	// dedup window, however many times the logical action was enqueued.
	IdempotencyKey string `json:"idempotency_key" db:"idempotency_key"`

	Status TaskStatus `json:"status" db:"status"`

	// Failures records every failed attempt for the operator-facing alert
	// raised when the task dead-letters.
	Failures []AttemptFailure `json:"failures,omitempty" db:"failures"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type AttemptFailure struct {
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
	Error   string    `json:"error"`
	Kind    string    `json:"kind"`
}

const DefaultMaxAttempts = 3

func (t Task) Validate() error {
	if t.Action == "" {
		return errs.Validation("dispatch: action is required")
	}
	if t.IdempotencyKey == "" {
		return errs.Validation("dispatch: idempotency key is required")
	}
	if t.MaxAttempts < 0 {
		return errs.Validation("dispatch: max attempts must not be negative")
	}
	return nil
}
