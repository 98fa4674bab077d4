package conversation

import (
	"context"
	"testing"
)

func seedConversation(t *testing.T, s *MemoryStore, id string, status Status) {
	t.Helper()
	err := s.Save(context.Background(), Conversation{ID: id, WorkspaceID: "ws", ChatbotID: "bot", Status: status})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestChangeStatusEnforcesTransitions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedConversation(t, s, "c1", StatusAIHandling)

	if err := s.ChangeStatus(ctx, "c1", StatusAwaitingHumanResponse); err != nil {
		t.Fatalf("legal transition rejected: %v", err)
	}
	if err := s.ChangeStatus(ctx, "c1", StatusAwaitingHumanResponse); err != nil {
		t.Fatalf("same-status transition must be idempotent: %v", err)
	}

	seedConversation(t, s, "c2", StatusClosed)
	if err := s.ChangeStatus(ctx, "c2", StatusAIHandling); err == nil {
		t.Fatalf("closed conversations must not reopen")
	}
}

func TestAddNote(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedConversation(t, s, "c1", StatusAIHandling)

	if err := s.AddNote(ctx, "c1", "escalated for review"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := s.AddNote(ctx, "missing", "x"); err == nil {
		t.Fatalf("note on unknown conversation must fail")
	}
	notes := s.Notes("c1")
	if len(notes) != 1 || notes[0].Body != "escalated for review" {
		t.Fatalf("unexpected notes: %+v", notes)
	}
}
