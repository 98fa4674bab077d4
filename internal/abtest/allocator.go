package abtest

import (
	"context"

	"chatdesk-core/internal/errs"

	"github.com/cespare/xxhash/v2"
)

// RebalancePolicy decides which variant absorbs the rounding remainder when
// traffic percentages do not sum to 100. Kept configurable: the absorbing
// variant is a product decision, not a hard contract.
type RebalancePolicy string

const (
	RebalanceFirstVariant   RebalancePolicy = "first_variant"
	RebalanceLargestVariant RebalancePolicy = "largest_variant"
)

// Rebalance normalizes traffic percentages to sum to exactly 100.
//
// Deterministic: each percentage is scaled by integer floor division, then the
// remainder goes to the variant chosen by policy. Runs at definition time
// only; assignment never rebalances.
func Rebalance(variants []Variant, policy RebalancePolicy) []Variant {
	out := make([]Variant, len(variants))
	copy(out, variants)
	if len(out) == 0 {
		return out
	}

	sum := 0
	for _, v := range out {
		sum += v.TrafficPercentage
	}
	if sum == 100 {
		return out
	}

	if sum <= 0 {
		// Degenerate definition: equal split.
		share := 100 / len(out)
		for i := range out {
			out[i].TrafficPercentage = share
		}
	} else {
		for i := range out {
			out[i].TrafficPercentage = out[i].TrafficPercentage * 100 / sum
		}
	}

	assigned := 0
	for _, v := range out {
		assigned += v.TrafficPercentage
	}

	absorb := 0
	if policy == RebalanceLargestVariant {
		for i := 1; i < len(out); i++ {
			if out[i].TrafficPercentage > out[absorb].TrafficPercentage {
				absorb = i
			}
		}
	}
	out[absorb].TrafficPercentage += 100 - assigned
	return out
}

// Store loads persisted test definitions. Persistence is an external
// collaborator; the allocator only reads.
type Store interface {
	Get(ctx context.Context, testID string) (Test, error)
}

// Allocator deterministically maps subjects to variants.
//
// Stability invariant: the same (testID, subjectID) pair maps to the same
// variant across calls and across restarts, because the bucket is a pure hash
// and the variant order is persisted.
type Allocator struct {
	store Store
}

func NewAllocator(store Store) *Allocator { return &Allocator{store: store} }

// Assign returns the variant id for a subject.
func (a *Allocator) Assign(ctx context.Context, testID, subjectID string) (string, error) {
	if testID == "" || subjectID == "" {
		return "", errs.Validation("abtest: test id and subject id are required")
	}
	if a.store == nil {
		return "", errs.E(errs.KindInternal, "abtest: store not configured", nil)
	}

	t, err := a.store.Get(ctx, testID)
	if err != nil {
		return "", err
	}
	if len(t.Variants) == 0 {
		return "", errs.NotFound("abtest: test has no variants")
	}

	bucket := Bucket(testID, subjectID)
	cumulative := 0
	for _, v := range t.Variants {
		cumulative += v.TrafficPercentage
		if bucket < cumulative {
			return v.ID, nil
		}
	}
	// Guards against definitions whose percentages drifted below 100 in
	// storage; the last variant catches the tail.
	return t.Variants[len(t.Variants)-1].ID, nil
}

// Bucket hashes (testID, subjectID) to a stable value in [0, 100).
func Bucket(testID, subjectID string) int {
	h := xxhash.New()
	_, _ = h.WriteString(testID)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(subjectID)
	return int(h.Sum64() % 100)
}
