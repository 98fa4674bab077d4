package conversation

import "time"

// Conversation represents a tenant-scoped chat session.
//
// Multi-tenant invariant: WorkspaceID is required on every row.
//
// NOTE: This is a domain model only. Channel-specific fields (widget session
// tokens, Slack thread ids) belong in provider metadata, not in this
// provider-agnostic core model.

type Conversation struct {
	ID          string `json:"conversation_id" db:"conversation_id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	ChatbotID   string `json:"chatbot_id" db:"chatbot_id"`
	UserID      string `json:"user_id" db:"user_id"`

	Status Status `json:"status" db:"status"`

	// LatestSentiment is the most recent per-message sentiment score in [-1, 1].
	// RollingSentiment is the windowed average used by sentiment triage rules.
	LatestSentiment  float64 `json:"latest_sentiment" db:"latest_sentiment"`
	RollingSentiment float64 `json:"rolling_sentiment" db:"rolling_sentiment"`

	AssignedTo string   `json:"assigned_to,omitempty" db:"assigned_to"`
	Tags       []string `json:"tags,omitempty" db:"tags"`

	// LastUserMessageAt anchors wait-time computation; wait time is always
	// derived at read time, never stored.
	LastUserMessageAt time.Time `json:"last_user_message_at" db:"last_user_message_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusAIHandling            Status = "AI_HANDLING"
	StatusAwaitingHumanResponse Status = "AWAITING_HUMAN_RESPONSE"
	StatusHumanHandling         Status = "HUMAN_HANDLING"
	StatusResolved              Status = "RESOLVED"
	StatusClosed                Status = "CLOSED"
)

// CanTransition reports whether moving from -> to is a legal status change.
// Escalation is AI_HANDLING -> AWAITING_HUMAN_RESPONSE; handing a conversation
// back to the bot is allowed from any human-side status.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusAIHandling:
		return to == StatusAwaitingHumanResponse || to == StatusResolved || to == StatusClosed
	case StatusAwaitingHumanResponse:
		return to == StatusHumanHandling || to == StatusAIHandling || to == StatusResolved || to == StatusClosed
	case StatusHumanHandling:
		return to == StatusAIHandling || to == StatusResolved || to == StatusClosed
	case StatusResolved:
		return to == StatusClosed || to == StatusAIHandling
	case StatusClosed:
		return false
	}
	return false
}

// Snapshot is the read-only view handed to condition evaluation and triage.
// Keys are flat field names (e.g. "sentiment_score", "message", "tags").
type Snapshot map[string]any
