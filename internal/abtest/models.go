package abtest

import (
	"time"

	"chatdesk-core/internal/errs"
)

// Test is an operator-defined A/B experiment over conversation workflows.
//
// Invariants (enforced at definition time, not at assignment time):
// - 2 to 5 variants
// - exactly one control variant
// - exactly one primary metric
// - traffic percentages sum to 100 after Rebalance
//
// Variant order is persisted and never re-randomized; assignment depends on it.

type Test struct {
	ID          string    `json:"id" db:"id"`
	WorkspaceID string    `json:"workspace_id" db:"workspace_id"`
	Name        string    `json:"name" db:"name"`
	Variants    []Variant `json:"variants" db:"variants"`
	Metrics     []Metric  `json:"metrics" db:"metrics"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

type Variant struct {
	ID                string `json:"id" db:"id"`
	Name              string `json:"name" db:"name"`
	IsControl         bool   `json:"is_control" db:"is_control"`
	TrafficPercentage int    `json:"traffic_percentage" db:"traffic_percentage"`
}

type Metric struct {
	ID        string `json:"id" db:"id"`
	Name      string `json:"name" db:"name"`
	IsPrimary bool   `json:"is_primary" db:"is_primary"`
}

const (
	minVariants = 2
	maxVariants = 5
)

// Validate checks definition-time invariants. Percentage sum is NOT checked
// here; callers run Rebalance first, which guarantees it.
func (t Test) Validate() error {
	if t.ID == "" {
		return errs.Validation("abtest: id is required")
	}
	if len(t.Variants) < minVariants || len(t.Variants) > maxVariants {
		return errs.Validationf("abtest: variant count must be %d-%d, got %d", minVariants, maxVariants, len(t.Variants))
	}

	controls := 0
	for _, v := range t.Variants {
		if v.ID == "" {
			return errs.Validation("abtest: variant id is required")
		}
		if v.TrafficPercentage < 0 {
			return errs.Validationf("abtest: variant %s has negative traffic percentage", v.ID)
		}
		if v.IsControl {
			controls++
		}
	}
	if controls != 1 {
		return errs.Validationf("abtest: exactly one control variant required, got %d", controls)
	}

	primaries := 0
	for _, m := range t.Metrics {
		if m.IsPrimary {
			primaries++
		}
	}
	if primaries != 1 {
		return errs.Validationf("abtest: exactly one primary metric required, got %d", primaries)
	}
	return nil
}
