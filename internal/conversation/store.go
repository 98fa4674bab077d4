package conversation

import (
	"context"
	"sync"
	"time"

	"chatdesk-core/internal/errs"
)

// Note is an internal annotation on a conversation, visible to operators
// only.
type Note struct {
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	Body           string    `json:"body" db:"body"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Store is the persistence contract for conversations. ChangeStatus and
// AddNote are the two mutations automation is allowed to perform; everything
// else belongs to the chat product, not this core.
type Store interface {
	Get(ctx context.Context, id string) (Conversation, error)
	Save(ctx context.Context, c Conversation) error
	ChangeStatus(ctx context.Context, conversationID string, to Status) error
	AddNote(ctx context.Context, conversationID, note string) error
}

// MemoryStore is the in-memory Store for tests and single-process setups.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	notes         map[string][]Note
	clock         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]Conversation{},
		notes:         map[string][]Note{},
		clock:         time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, errs.NotFound("conversation: not found")
	}
	return c, nil
}

func (s *MemoryStore) Save(ctx context.Context, c Conversation) error {
	if c.ID == "" || c.WorkspaceID == "" {
		return errs.Validation("conversation: id and workspace_id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c
	return nil
}

// ChangeStatus applies a transition, enforcing the status state machine.
func (s *MemoryStore) ChangeStatus(ctx context.Context, conversationID string, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return errs.NotFound("conversation: not found")
	}
	if c.Status == to {
		// Same-status transition is idempotent, not an error; the dispatcher
		// may replay the effect.
		return nil
	}
	if !CanTransition(c.Status, to) {
		return errs.Validationf("conversation: cannot transition %s to %s", c.Status, to)
	}
	c.Status = to
	c.UpdatedAt = s.clock().UTC()
	s.conversations[conversationID] = c
	return nil
}

func (s *MemoryStore) AddNote(ctx context.Context, conversationID, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return errs.NotFound("conversation: not found")
	}
	s.notes[conversationID] = append(s.notes[conversationID], Note{
		ConversationID: conversationID,
		Body:           note,
		CreatedAt:      s.clock().UTC(),
	})
	return nil
}

// Notes returns the notes for a conversation, oldest first.
func (s *MemoryStore) Notes(conversationID string) []Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Note, len(s.notes[conversationID]))
	copy(out, s.notes[conversationID])
	return out
}
