package triage

import (
	"context"
	"sync"

	"chatdesk-core/internal/errs"
)

// RuleStore is the persistence contract for triage rules. Storage is an
// external collaborator; the core only loads and saves.
type RuleStore interface {
	Load(ctx context.Context, chatbotID string) ([]Rule, error)
	Get(ctx context.Context, id string) (Rule, error)
	Save(ctx context.Context, r Rule) error
	Delete(ctx context.Context, id string) error
}

// QueueStore persists priority queue items keyed by conversation.
//
// Update uses optimistic versioning: it must fail with a conflict when the
// stored version no longer matches, so concurrent rule firings cannot
// downgrade a priority by overwriting each other.
type QueueStore interface {
	Get(ctx context.Context, conversationID string) (QueueItem, error)
	Create(ctx context.Context, item QueueItem) error
	Update(ctx context.Context, item QueueItem, expectedVersion int) error
	Remove(ctx context.Context, conversationID string) error
	List(ctx context.Context, workspaceID string) ([]QueueItem, error)
}

// MemoryRuleStore is the in-memory RuleStore for tests and early development.
type MemoryRuleStore struct {
	mu    sync.Mutex
	rules map[string]Rule
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: map[string]Rule{}}
}

func (s *MemoryRuleStore) Load(ctx context.Context, chatbotID string) ([]Rule, error) {
	if chatbotID == "" {
		return nil, errs.Validation("triage: chatbot id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Rule
	for _, r := range s.rules {
		if r.ChatbotID == chatbotID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryRuleStore) Get(ctx context.Context, id string) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return Rule{}, errs.NotFound("triage: rule not found")
	}
	return r, nil
}

func (s *MemoryRuleStore) Save(ctx context.Context, r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
	return nil
}

func (s *MemoryRuleStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return errs.NotFound("triage: rule not found")
	}
	delete(s.rules, id)
	return nil
}

// MemoryQueueStore is the in-memory QueueStore.
type MemoryQueueStore struct {
	mu    sync.Mutex
	items map[string]QueueItem
}

func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{items: map[string]QueueItem{}}
}

func (s *MemoryQueueStore) Get(ctx context.Context, conversationID string) (QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[conversationID]
	if !ok {
		return QueueItem{}, errs.NotFound("triage: queue item not found")
	}
	return item, nil
}

func (s *MemoryQueueStore) Create(ctx context.Context, item QueueItem) error {
	if item.ConversationID == "" {
		return errs.Validation("triage: conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.ConversationID]; exists {
		return errs.Conflict("triage: queue item already exists")
	}
	item.Version = 1
	s.items[item.ConversationID] = item
	return nil
}

func (s *MemoryQueueStore) Update(ctx context.Context, item QueueItem, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[item.ConversationID]
	if !ok {
		return errs.NotFound("triage: queue item not found")
	}
	if cur.Version != expectedVersion {
		return errs.Conflict("triage: queue item version changed")
	}
	item.Version = expectedVersion + 1
	s.items[item.ConversationID] = item
	return nil
}

func (s *MemoryQueueStore) Remove(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[conversationID]; !ok {
		return errs.NotFound("triage: queue item not found")
	}
	delete(s.items, conversationID)
	return nil
}

func (s *MemoryQueueStore) List(ctx context.Context, workspaceID string) ([]QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []QueueItem
	for _, item := range s.items {
		if workspaceID != "" && item.WorkspaceID != workspaceID {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}
