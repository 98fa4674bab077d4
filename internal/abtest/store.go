package abtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"

	"chatdesk-core/internal/errs"
)

// MemoryStore is the in-memory test store.
type MemoryStore struct {
	mu     sync.Mutex
	tests  map[string]Test
	policy RebalancePolicy
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tests: map[string]Test{}, policy: RebalanceFirstVariant}
}

// WithPolicy sets the remainder-absorption policy applied at save time.
func (s *MemoryStore) WithPolicy(p RebalancePolicy) *MemoryStore {
	if p != "" {
		s.policy = p
	}
	return s
}

func (s *MemoryStore) Get(ctx context.Context, testID string) (Test, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tests[testID]
	if !ok {
		return Test{}, errs.NotFound("abtest: test not found")
	}
	return t, nil
}

func (s *MemoryStore) Save(ctx context.Context, t Test) error {
	t.Variants = Rebalance(t.Variants, s.policy)
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tests[t.ID] = t
	return nil
}

// PostgresStore persists experiments.
//
// NOTE: assumes an ab_tests table with variants and metrics stored as jsonb.
type PostgresStore struct {
	db     *sql.DB
	policy RebalancePolicy
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, policy: RebalanceFirstVariant}
}

// WithPolicy sets the remainder-absorption policy applied at save time.
func (s *PostgresStore) WithPolicy(p RebalancePolicy) *PostgresStore {
	if p != "" {
		s.policy = p
	}
	return s
}

func (s *PostgresStore) Get(ctx context.Context, testID string) (Test, error) {
	const q = `
SELECT id, workspace_id, name, variants, metrics, created_at, updated_at
FROM ab_tests
WHERE id = $1
`
	var (
		t        Test
		variants []byte
		metrics  []byte
	)
	err := s.db.QueryRowContext(ctx, q, testID).Scan(
		&t.ID, &t.WorkspaceID, &t.Name, &variants, &metrics, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Test{}, errs.NotFound("abtest: test not found")
	}
	if err != nil {
		return Test{}, err
	}
	if len(variants) > 0 {
		if err := json.Unmarshal(variants, &t.Variants); err != nil {
			return Test{}, err
		}
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &t.Metrics); err != nil {
			return Test{}, err
		}
	}
	return t, nil
}

func (s *PostgresStore) Save(ctx context.Context, t Test) error {
	t.Variants = Rebalance(t.Variants, s.policy)
	if err := t.Validate(); err != nil {
		return err
	}
	variants, err := json.Marshal(t.Variants)
	if err != nil {
		return err
	}
	metrics, err := json.Marshal(t.Metrics)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO ab_tests (id, workspace_id, name, variants, metrics, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,now(),now())
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name,
  variants = EXCLUDED.variants,
  metrics = EXCLUDED.metrics,
  updated_at = now()
`
	_, err = s.db.ExecContext(ctx, q, t.ID, t.WorkspaceID, t.Name, variants, metrics)
	return err
}
