package event

import "time"

// Name is the canonical type of an inbound domain event.
// The whitelist is closed: anything else is rejected at the gateway.
type Name string

const (
	NameConversationStarted Name = "conversation.started"
	NameMessageCreated      Name = "message.created"
	NameSentimentTrigger    Name = "sentiment.trigger"
	NameIntentDetected      Name = "intent.detected"
	NameImageUploaded       Name = "image.uploaded"
)

var knownNames = map[Name]bool{
	NameConversationStarted: true,
	NameMessageCreated:      true,
	NameSentimentTrigger:    true,
	NameIntentDetected:      true,
	NameImageUploaded:       true,
}

func KnownName(n Name) bool { return knownNames[n] }

// Event is the canonical envelope produced by the gateway.
// Immutable once accepted; downstream components never mutate it.
type Event struct {
	ID         string    `json:"id"`
	Name       Name      `json:"name"`
	OccurredAt time.Time `json:"occurred_at"`

	// SubjectID partitions processing: events for one subject are evaluated
	// in arrival order. Conversation id when known, else the user id.
	SubjectID string `json:"subject_id"`

	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// Raw is the wire shape of POST /events before normalization.
type Raw struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data"`
}
