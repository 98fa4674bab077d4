package triage

import (
	"time"

	"chatdesk-core/internal/condition"
	"chatdesk-core/internal/errs"
)

// Priority orders conversations awaiting human attention.
// Ordering: critical > high > medium > low.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityLow:      1,
	PriorityMedium:   2,
	PriorityHigh:     3,
	PriorityCritical: 4,
}

func (p Priority) Rank() int { return priorityRank[p] }

func (p Priority) Valid() bool { return priorityRank[p] != 0 }

// Above reports whether p outranks other. Queue items only ever move up.
func (p Priority) Above(other Priority) bool { return p.Rank() > other.Rank() }

type TriggerType string

const (
	TriggerSentiment TriggerType = "sentiment"
	TriggerKeywords  TriggerType = "keywords"
	TriggerDuration  TriggerType = "duration"
	TriggerCustom    TriggerType = "custom"
)

// Rule is an operator-defined escalation rule.
type Rule struct {
	ID          string      `json:"id" db:"id"`
	WorkspaceID string      `json:"workspace_id" db:"workspace_id"`
	ChatbotID   string      `json:"chatbot_id" db:"chatbot_id"`
	Name        string      `json:"name" db:"name"`
	IsActive    bool        `json:"is_active" db:"is_active"`
	Priority    Priority    `json:"priority" db:"priority"`
	TriggerType TriggerType `json:"trigger_type" db:"trigger_type"`

	// SentimentThreshold applies to sentiment rules: the rule fires when the
	// score is BELOW this value (more negative = worse).
	SentimentThreshold float64 `json:"sentiment_threshold,omitempty" db:"sentiment_threshold"`

	// Keywords apply to keyword rules; matching is case-insensitive substring.
	Keywords []string `json:"keywords,omitempty" db:"keywords"`

	// WaitThresholdMinutes applies to duration rules.
	WaitThresholdMinutes int `json:"wait_threshold_minutes,omitempty" db:"wait_threshold_minutes"`

	// Conditions apply to custom rules, evaluated against the snapshot.
	Conditions condition.Set `json:"conditions,omitempty" db:"conditions"`

	Actions RuleActions `json:"actions" db:"actions"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RuleActions describe what happens when the rule fires. Status changes,
// notifications, and notes are forwarded to the dispatcher, never executed
// inline by the triage service.
type RuleActions struct {
	ChangeStatus bool   `json:"change_status"`
	AssignTo     string `json:"assign_to,omitempty"`
	AddNote      string `json:"add_note,omitempty"`
	NotifyTeam   string `json:"notify_team,omitempty"` // notification channel, empty = no notify
}

func (r Rule) Validate() error {
	if r.ID == "" || r.ChatbotID == "" {
		return errs.Validation("triage: rule id and chatbot_id are required")
	}
	if !r.Priority.Valid() {
		return errs.Validationf("triage: invalid priority %q", r.Priority)
	}
	switch r.TriggerType {
	case TriggerSentiment:
		// Any threshold is legal; thresholds are scores in [-1, 1] by
		// convention but not enforced, operators may use custom scales.
	case TriggerKeywords:
		if len(r.Keywords) == 0 {
			return errs.Validation("triage: keyword rule requires keywords")
		}
	case TriggerDuration:
		if r.WaitThresholdMinutes <= 0 {
			return errs.Validation("triage: duration rule requires a positive wait threshold")
		}
	case TriggerCustom:
		if r.Conditions.Empty() {
			return errs.Validation("triage: custom rule requires conditions")
		}
		if err := r.Conditions.Validate(); err != nil {
			return errs.E(errs.KindValidation, "triage: custom rule", err)
		}
	default:
		return errs.Validationf("triage: unknown trigger type %q", r.TriggerType)
	}
	return nil
}

// QueueItem is one conversation awaiting human attention.
//
// Lifecycle: created on first rule fire, priority escalated (never silently
// downgraded) on repeated fires, removed on resolution or hand-back to AI.
//
// Version supports optimistic concurrency: an update only lands if the
// version it read is still current.
type QueueItem struct {
	ConversationID   string   `json:"conversation_id" db:"conversation_id"`
	WorkspaceID      string   `json:"workspace_id" db:"workspace_id"`
	Priority         Priority `json:"priority" db:"priority"`
	EscalationReason string   `json:"escalation_reason" db:"escalation_reason"`
	AssignedTo       string   `json:"assigned_to,omitempty" db:"assigned_to"`
	Tags             []string `json:"tags,omitempty" db:"tags"`

	Version   int       `json:"-" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// QueueEntry is the read-side view with wait time derived from CreatedAt at
// read time, so it never drifts from a stored copy.
type QueueEntry struct {
	QueueItem
	WaitTimeMinutes int `json:"wait_time_minutes"`
}
