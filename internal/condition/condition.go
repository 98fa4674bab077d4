package condition

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Condition is a single typed comparison against a conversation snapshot.
//
// Logical describes how this condition links to the PREVIOUS condition in a
// Set. It is meaningless (and ignored) on the first condition. Absent means AND.
//
// This is a typed expression tree on purpose: no string-built pseudo-boolean
// expressions, no eval. Operator precedence is the left fold order and nothing else.

type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "gt"
	OpLessThan    Operator = "lt"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

type Logical string

const (
	LogicalAnd Logical = "AND"
	LogicalOr  Logical = "OR"
)

type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
	Logical  Logical  `json:"logical_operator,omitempty"`
}

// Set is an ordered sequence of conditions combined by a left fold:
// ((c1 <op2> c2) <op3> c3) ...
type Set struct {
	Conditions []Condition `json:"conditions"`
}

func (s Set) Empty() bool { return len(s.Conditions) == 0 }

var validOperators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true,
	OpGreaterThan: true, OpLessThan: true,
	OpContains: true, OpNotContains: true,
	OpExists: true, OpNotExists: true,
}

// Validate rejects malformed sets before they reach evaluation.
func (s Set) Validate() error {
	for i, c := range s.Conditions {
		if c.Field == "" {
			return fmt.Errorf("condition %d: field is required", i)
		}
		if !validOperators[c.Operator] {
			return fmt.Errorf("condition %d: unknown operator %q", i, c.Operator)
		}
		if c.Logical != "" && c.Logical != LogicalAnd && c.Logical != LogicalOr {
			return fmt.Errorf("condition %d: logical operator must be AND or OR, got %q", i, c.Logical)
		}
		switch c.Operator {
		case OpExists, OpNotExists:
			// no value expected
		default:
			if c.Value == nil {
				return fmt.Errorf("condition %d: operator %q requires a value", i, c.Operator)
			}
		}
	}
	return nil
}

func (c Condition) linkOp() Logical {
	if c.Logical == LogicalOr {
		return LogicalOr
	}
	return LogicalAnd
}

// Cost estimates how expensive a condition is to evaluate.
// Base 1; string scanning operators cost +2; long literals cost +1.
func (c Condition) Cost() int {
	cost := 1
	if c.Operator == OpContains || c.Operator == OpNotContains {
		cost += 2
	}
	if len(serializeValue(c.Value)) > 100 {
		cost++
	}
	return cost
}

func serializeValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// Evaluator evaluates condition sets against snapshots.
// It is stateless and safe for concurrent use.
type Evaluator struct{}

func NewEvaluator() *Evaluator { return &Evaluator{} }

// Evaluate folds the set left-to-right honoring each condition's link operator.
//
// Short-circuit rule: evaluation stops early only when the accumulated value
// already determines the result AND every remaining link is the same operator.
// A mixed AND/OR tail is always evaluated fully; cutting across an operator
// boundary would change the fold result.
//
// An empty set evaluates to true (it is the default/else branch).
func (e *Evaluator) Evaluate(set Set, snapshot map[string]any) (bool, error) {
	if len(set.Conditions) == 0 {
		return true, nil
	}

	acc, err := evalOne(set.Conditions[0], snapshot)
	if err != nil {
		return false, err
	}

	for i := 1; i < len(set.Conditions); i++ {
		if !acc && homogeneousTail(set.Conditions, i, LogicalAnd) {
			return false, nil
		}
		if acc && homogeneousTail(set.Conditions, i, LogicalOr) {
			return true, nil
		}

		v, err := evalOne(set.Conditions[i], snapshot)
		if err != nil {
			return false, err
		}
		if set.Conditions[i].linkOp() == LogicalOr {
			acc = acc || v
		} else {
			acc = acc && v
		}
	}
	return acc, nil
}

// homogeneousTail reports whether every link from index i to the end is op.
func homogeneousTail(conds []Condition, i int, op Logical) bool {
	for ; i < len(conds); i++ {
		if conds[i].linkOp() != op {
			return false
		}
	}
	return true
}

// Optimize returns a set reordered by ascending cost.
//
// Reordering happens only within a contiguous run of like-joined conditions;
// it never crosses an AND/OR boundary. The link operator at a run boundary is
// positional metadata, so it stays at the run's first slot while the
// conditions themselves move.
//
// For any snapshot, Evaluate(Optimize(s), snap) == Evaluate(s, snap).
func (e *Evaluator) Optimize(set Set) Set {
	if len(set.Conditions) < 2 {
		return set
	}

	out := make([]Condition, 0, len(set.Conditions))
	for i, run := range splitRuns(set.Conditions) {
		out = append(out, reorderRun(run, i == 0)...)
	}
	return Set{Conditions: out}
}

// splitRuns cuts the sequence into maximal runs joined by one operator.
// A run's operator is fixed by its first internal link.
func splitRuns(conds []Condition) [][]Condition {
	var runs [][]Condition
	start := 0
	var runOp Logical
	opSet := false

	for i := 1; i < len(conds); i++ {
		link := conds[i].linkOp()
		if !opSet {
			runOp = link
			opSet = true
			continue
		}
		if link != runOp {
			runs = append(runs, conds[start:i])
			start = i
			opSet = false
		}
	}
	runs = append(runs, conds[start:])
	return runs
}

// reorderRun stable-sorts one run by cost.
//
// The boundary link operator is positional metadata and stays at the run's
// first slot. When the boundary operator differs from the run's internal
// operator, the first condition sits inside the previous fold grouping and
// must stay pinned; only the tail of the run may move.
func reorderRun(run []Condition, first bool) []Condition {
	if len(run) < 2 {
		return run
	}

	boundary := run[0].Logical
	internal := run[1].linkOp()
	pinHead := !first && run[0].linkOp() != internal

	sorted := make([]Condition, len(run))
	copy(sorted, run)

	lo := 1
	if !pinHead {
		lo = 0
	}
	// insertion sort keeps the order stable for equal costs
	for i := lo + 1; i < len(sorted); i++ {
		for j := i; j > lo && sorted[j].Cost() < sorted[j-1].Cost(); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	sorted[0].Logical = boundary
	for i := 1; i < len(sorted); i++ {
		sorted[i].Logical = internal
	}
	return sorted
}

func evalOne(c Condition, snapshot map[string]any) (bool, error) {
	val, present := snapshot[c.Field]

	switch c.Operator {
	case OpExists:
		return present && val != nil, nil
	case OpNotExists:
		return !present || val == nil, nil
	case OpEquals:
		return looseEquals(val, c.Value), nil
	case OpNotEquals:
		return !looseEquals(val, c.Value), nil
	case OpGreaterThan:
		cmp, ok := compareOrdered(val, c.Value)
		return ok && cmp > 0, nil
	case OpLessThan:
		cmp, ok := compareOrdered(val, c.Value)
		return ok && cmp < 0, nil
	case OpContains:
		return containsValue(val, c.Value), nil
	case OpNotContains:
		return !containsValue(val, c.Value), nil
	}
	return false, fmt.Errorf("condition: unknown operator %q", c.Operator)
}

// looseEquals compares with numeric normalization: JSON decoding hands us
// float64 for every number, so ints and floats must compare equal by value.
func looseEquals(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func compareOrdered(a, b any) (int, bool) {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// containsValue handles string substring match and slice membership.
func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, serializeValue(needle))
	case []string:
		for _, item := range h {
			if looseEquals(item, needle) {
				return true
			}
		}
	case []any:
		for _, item := range h {
			if looseEquals(item, needle) {
				return true
			}
		}
	}
	return false
}
