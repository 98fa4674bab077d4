package audit

import (
	"context"
	"testing"

	"chatdesk-core/internal/dispatch"
)

func TestService_AppendRequiresWorkspaceAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)

	if err := svc.Append(context.Background(), Event{Type: EventTypeRuleChange}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{WorkspaceID: "w"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)

	if err := svc.LogRuleChange(context.Background(), "w", "u", "admin", "1.2.3.4", "rule1", "rule updated"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].IPAddress != "1.2.3.4" {
		t.Fatalf("expected ip captured")
	}
	if evs[0].Type != EventTypeRuleChange {
		t.Fatalf("expected rule_change")
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp to be filled")
	}
}

func TestDeadLetterAlerter(t *testing.T) {
	repo := NewMemoryRepo()
	alerter := &DeadLetterAlerter{Svc: NewService(repo, nil), WorkspaceID: "w"}

	alerter.DeadLettered(context.Background(), dispatch.Task{
		ID:      "task-1",
		Action:  dispatch.ActionNotify,
		Attempt: 3,
		Payload: map[string]any{"conversation_id": "c1"},
		Failures: []dispatch.AttemptFailure{
			{Attempt: 1, Error: "unavailable", Kind: "unavailable"},
		},
	})

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	if evs[0].Type != EventTypeDeadLetter {
		t.Fatalf("expected dead letter event, got %s", evs[0].Type)
	}
	if evs[0].TaskID != "task-1" || evs[0].ConversationID != "c1" {
		t.Fatalf("target ids missing: %+v", evs[0])
	}
	if evs[0].Metadata == "" {
		t.Fatalf("failure history must ride along as metadata")
	}
}
