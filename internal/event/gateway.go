package event

import (
	"crypto/subtle"
	"log/slog"
	"time"

	"chatdesk-core/internal/errs"

	"github.com/google/uuid"
)

// Gateway validates, authenticates, and normalizes inbound events.
//
// Side-effect free beyond validation: the gateway never touches storage and
// never dispatches. Downstream work belongs to the pipeline.
type Gateway struct {
	apiKey []byte

	clock func() time.Time
	newID func() string
}

// NewGateway builds a gateway. An empty apiKey enables permissive mode
// (accept all callers) for local development; that mode is loud in the logs
// because it must never survive into production unnoticed.
func NewGateway(apiKey string, log *slog.Logger) *Gateway {
	g := &Gateway{clock: time.Now, newID: uuid.NewString}
	if apiKey == "" {
		if log != nil {
			log.Warn("event gateway running in permissive mode: no API key configured, accepting all callers")
		}
	} else {
		g.apiKey = []byte(apiKey)
	}
	return g
}

// Authenticate compares the provided key against the configured secret in
// constant time. Permissive mode accepts everything.
func (g *Gateway) Authenticate(providedKey string) error {
	if len(g.apiKey) == 0 {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(providedKey), g.apiKey) != 1 {
		return errs.Auth("event: invalid api key")
	}
	return nil
}

// requiredFields lists payload fields that must be present per event name,
// beyond data.user_id which every event carries.
var requiredFields = map[Name][]string{
	NameSentimentTrigger: {"score"},
	NameMessageCreated:   {"message"},
	NameImageUploaded:    {"image_url"},
}

// Accept validates a raw event and returns the canonical envelope.
// Validation failures are synchronous and never retried.
func (g *Gateway) Accept(raw Raw) (Event, error) {
	if raw.Name == "" {
		return Event{}, errs.Validation("event: name is required")
	}
	name := Name(raw.Name)
	if !KnownName(name) {
		return Event{}, errs.Validationf("event: unknown event name %q", raw.Name)
	}
	if raw.Data == nil {
		return Event{}, errs.Validation("event: data is required")
	}

	userID, _ := raw.Data["user_id"].(string)
	if userID == "" {
		return Event{}, errs.Validation("event: data.user_id is required")
	}

	for _, f := range requiredFields[name] {
		if v, ok := raw.Data[f]; !ok || v == nil {
			return Event{}, errs.Validationf("event: %s requires data.%s", name, f)
		}
	}

	conversationID, _ := raw.Data["conversation_id"].(string)
	subjectID := conversationID
	if subjectID == "" {
		subjectID = userID
	}

	payload := make(map[string]any, len(raw.Data))
	for k, v := range raw.Data {
		payload[k] = v
	}

	return Event{
		ID:             g.newID(),
		Name:           name,
		OccurredAt:     g.clock().UTC(),
		SubjectID:      subjectID,
		UserID:         userID,
		ConversationID: conversationID,
		Payload:        payload,
	}, nil
}
