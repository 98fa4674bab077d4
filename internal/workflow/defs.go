package workflow

import (
	"context"
	"sync"

	"chatdesk-core/internal/errs"
)

// MemoryDefinitionStore is an in-memory Loader for tests and early
// development. Definitions are validated on Save so a malformed workflow
// never becomes loadable.
type MemoryDefinitionStore struct {
	mu   sync.Mutex
	defs map[string][]Definition // keyed by chatbot id
}

func NewMemoryDefinitionStore() *MemoryDefinitionStore {
	return &MemoryDefinitionStore{defs: map[string][]Definition{}}
}

func (s *MemoryDefinitionStore) Save(ctx context.Context, def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.defs[def.ChatbotID]
	for i, d := range list {
		if d.ID == def.ID {
			list[i] = def
			return nil
		}
	}
	s.defs[def.ChatbotID] = append(list, def)
	return nil
}

func (s *MemoryDefinitionStore) Load(ctx context.Context, chatbotID string) ([]Definition, error) {
	if chatbotID == "" {
		return nil, errs.Validation("workflow: chatbot id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Definition, len(s.defs[chatbotID]))
	copy(out, s.defs[chatbotID])
	return out, nil
}
