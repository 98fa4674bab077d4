package workflow

import (
	"testing"
	"time"

	"chatdesk-core/internal/condition"
)

var anchor = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDelayValidate_FixedCap(t *testing.T) {
	ok := DelaySpec{Kind: DelayFixed, Duration: 24, Unit: UnitHours}
	if err := ok.Validate(); err != nil {
		t.Fatalf("24h must be accepted: %v", err)
	}
	over := DelaySpec{Kind: DelayFixed, Duration: 25, Unit: UnitHours}
	if err := over.Validate(); err == nil {
		t.Fatalf("25h must be rejected, not clamped")
	}
}

func TestDelayValidate_Scheduled(t *testing.T) {
	if err := (DelaySpec{Kind: DelayScheduled, CronExpr: "0 9 * * 1"}).Validate(); err != nil {
		t.Fatalf("valid cron rejected: %v", err)
	}
	if err := (DelaySpec{Kind: DelayScheduled, CronExpr: "not a cron"}).Validate(); err == nil {
		t.Fatalf("invalid cron accepted")
	}
	if err := (DelaySpec{Kind: DelayScheduled}).Validate(); err == nil {
		t.Fatalf("scheduled spec without cron or datetime accepted")
	}
	if err := (DelaySpec{Kind: DelayScheduled, CronExpr: "0 9 * * 1", ISODatetime: "2026-03-02T09:00:00Z"}).Validate(); err == nil {
		t.Fatalf("scheduled spec with both cron and datetime accepted")
	}
}

func TestDelayResolve_Fixed(t *testing.T) {
	spec := DelaySpec{Kind: DelayFixed, Duration: 30, Unit: UnitMinutes}
	fireAt, err := spec.Resolve(anchor, nil, condition.NewEvaluator())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !fireAt.Equal(anchor.Add(30 * time.Minute)) {
		t.Fatalf("expected T+30m, got %v", fireAt)
	}
}

func TestDelayResolve_Dynamic(t *testing.T) {
	spec := DelaySpec{Kind: DelayDynamic, Expression: "wait_minutes"}
	fireAt, err := spec.Resolve(anchor, map[string]any{"wait_minutes": 15.0}, condition.NewEvaluator())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !fireAt.Equal(anchor.Add(15 * time.Minute)) {
		t.Fatalf("expected T+15m, got %v", fireAt)
	}

	if _, err := spec.Resolve(anchor, map[string]any{}, condition.NewEvaluator()); err == nil {
		t.Fatalf("missing expression field must error")
	}
}

func TestDelayResolve_ScheduledCron(t *testing.T) {
	spec := DelaySpec{Kind: DelayScheduled, CronExpr: "0 9 * * *"} // daily 09:00
	fireAt, err := spec.Resolve(anchor, nil, condition.NewEvaluator())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !fireAt.Equal(want) {
		t.Fatalf("expected %v, got %v", want, fireAt)
	}
}

func TestDelayResolve_ScheduledISO(t *testing.T) {
	spec := DelaySpec{Kind: DelayScheduled, ISODatetime: "2026-03-05T08:30:00Z"}
	fireAt, err := spec.Resolve(anchor, nil, condition.NewEvaluator())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !fireAt.Equal(time.Date(2026, 3, 5, 8, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected fire time %v", fireAt)
	}
}

func TestDelayResolve_Conditional(t *testing.T) {
	cond := condition.Set{Conditions: []condition.Condition{
		{Field: "vip", Operator: condition.OpEquals, Value: true},
	}}
	spec := DelaySpec{Kind: DelayConditional, Duration: 10, Unit: UnitMinutes, Condition: &cond}

	held, err := spec.Resolve(anchor, map[string]any{"vip": true}, condition.NewEvaluator())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !held.Equal(anchor.Add(10 * time.Minute)) {
		t.Fatalf("condition held: expected T+10m, got %v", held)
	}

	skipped, err := spec.Resolve(anchor, map[string]any{"vip": false}, condition.NewEvaluator())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !skipped.Equal(anchor) {
		t.Fatalf("condition not held: expected immediate fire, got %v", skipped)
	}
}
