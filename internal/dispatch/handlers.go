package dispatch

import (
	"context"

	"chatdesk-core/internal/conversation"
	"chatdesk-core/internal/errs"
)

// StatusChanger applies a conversation status transition. Implemented by the
// conversation store collaborator; the dispatcher only calls it from the
// change_status handler.
type StatusChanger interface {
	ChangeStatus(ctx context.Context, conversationID string, to conversation.Status) error
}

// NoteSink appends an internal note to a conversation.
type NoteSink interface {
	AddNote(ctx context.Context, conversationID, note string) error
}

// NewStatusHandler builds the change_status handler.
// Payload: {"conversation_id": string, "to": string}.
func NewStatusHandler(sc StatusChanger) Handler {
	return func(ctx context.Context, payload map[string]any) error {
		convID, _ := payload["conversation_id"].(string)
		to, _ := payload["to"].(string)
		if convID == "" || to == "" {
			return errs.Validation("change_status: conversation_id and to are required")
		}
		return sc.ChangeStatus(ctx, convID, conversation.Status(to))
	}
}

// NewNotifyHandler builds the notify handler.
// Payload: {"channel": string, ...notification fields}.
func NewNotifyHandler(n Notifier) Handler {
	return func(ctx context.Context, payload map[string]any) error {
		channel, _ := payload["channel"].(string)
		if channel == "" {
			return errs.Validation("notify: channel is required")
		}
		return n.Send(ctx, channel, payload)
	}
}

// NewNoteHandler builds the add_note handler.
// Payload: {"conversation_id": string, "note": string}.
func NewNoteHandler(ns NoteSink) Handler {
	return func(ctx context.Context, payload map[string]any) error {
		convID, _ := payload["conversation_id"].(string)
		note, _ := payload["note"].(string)
		if convID == "" || note == "" {
			return errs.Validation("add_note: conversation_id and note are required")
		}
		return ns.AddNote(ctx, convID, note)
	}
}

// NewExternalCallHandler builds the external_call handler, which posts the
// payload to an arbitrary callback channel registered on the notifier.
// Payload: {"channel": string, "body": any}.
func NewExternalCallHandler(n Notifier) Handler {
	return func(ctx context.Context, payload map[string]any) error {
		channel, _ := payload["channel"].(string)
		if channel == "" {
			return errs.Validation("external_call: channel is required")
		}
		return n.Send(ctx, channel, payload)
	}
}
