package dispatch

import (
	"context"
	"testing"
	"time"

	"chatdesk-core/internal/errs"
)

type countingHandler struct {
	calls int
	errs  []error // error per call, nil-padded
}

func (h *countingHandler) fn(ctx context.Context, payload map[string]any) error {
	h.calls++
	if h.calls <= len(h.errs) {
		return h.errs[h.calls-1]
	}
	return nil
}

type captureAlerter struct {
	tasks []Task
}

func (a *captureAlerter) DeadLettered(ctx context.Context, t Task) {
	a.tasks = append(a.tasks, t)
}

func testDispatcher(t *testing.T, h Handler) (*Dispatcher, *MemoryTaskStore, *captureAlerter, *MemoryReserver) {
	t.Helper()
	store := NewMemoryTaskStore()
	reserver := NewMemoryReserver()
	alerter := &captureAlerter{}
	reg := NewRegistry()
	reg.Register(ActionNotify, h)
	d := NewDispatcher(store, reserver, reg, alerter, Config{DedupWindow: 10 * time.Minute}, nil)
	anchor := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.clock = func() time.Time { return anchor }
	reserver.clock = func() time.Time { return anchor }
	return d, store, alerter, reserver
}

// drain runs sweeps with an advancing clock until no pending work remains.
func drain(d *Dispatcher, reserver *MemoryReserver, store *MemoryTaskStore, rounds int) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < rounds; i++ {
		d.clock = func() time.Time { return now }
		reserver.clock = func() time.Time { return now }
		d.Run(context.Background())
		now = now.Add(10 * time.Minute)
	}
}

func TestEnqueueAndExecute(t *testing.T) {
	h := &countingHandler{}
	d, store, _, reserver := testDispatcher(t, h.fn)

	id, err := d.Enqueue(context.Background(), Task{Action: ActionNotify, IdempotencyKey: "k1", Payload: map[string]any{"channel": "support"}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	drain(d, reserver, store, 1)

	if h.calls != 1 {
		t.Fatalf("expected one execution, got %d", h.calls)
	}
	got, _ := store.Get(context.Background(), id)
	if got.Status != TaskSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}
}

func TestEnqueue_ValidatesAction(t *testing.T) {
	d, _, _, _ := testDispatcher(t, (&countingHandler{}).fn)
	if _, err := d.Enqueue(context.Background(), Task{Action: "mystery", IdempotencyKey: "k"}); err == nil {
		t.Fatalf("unregistered action must be rejected")
	}
	if _, err := d.Enqueue(context.Background(), Task{Action: ActionNotify}); err == nil {
		t.Fatalf("missing idempotency key must be rejected")
	}
}

func TestIdempotency_DoubleEnqueueOneEffect(t *testing.T) {
	h := &countingHandler{}
	d, store, _, reserver := testDispatcher(t, h.fn)

	ctx := context.Background()
	id1, err := d.Enqueue(ctx, Task{Action: ActionNotify, IdempotencyKey: "same-key"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	id2, err := d.Enqueue(ctx, Task{Action: ActionNotify, IdempotencyKey: "same-key"})
	if err != nil {
		t.Fatalf("duplicate enqueue must not error: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("duplicate enqueue must coalesce to one task: %s vs %s", id1, id2)
	}

	drain(d, reserver, store, 2)
	if h.calls != 1 {
		t.Fatalf("expected exactly one effective execution, got %d", h.calls)
	}
}

func TestIdempotency_ReservationBlocksSecondTask(t *testing.T) {
	h := &countingHandler{}
	d, store, _, reserver := testDispatcher(t, h.fn)
	ctx := context.Background()

	// Two distinct tasks sharing a key (e.g. created on two nodes): only the
	// first to execute has an effect.
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.clock = func() time.Time { return now }
	reserver.clock = func() time.Time { return now }

	for _, id := range []string{"t1", "t2"} {
		task := Task{ID: id, Action: ActionNotify, IdempotencyKey: "shared", Status: TaskPending, MaxAttempts: 3, NextAttemptAt: now}
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	}

	d.Run(ctx)
	if h.calls != 1 {
		t.Fatalf("expected one effect, got %d", h.calls)
	}
	t2, _ := store.Get(ctx, "t2")
	if t2.Status != TaskSucceeded {
		t.Fatalf("collision must be treated as success, got %s", t2.Status)
	}
}

func TestRetryThenDeadLetter(t *testing.T) {
	down := errs.E(errs.KindUnavailable, "service unavailable", nil)
	h := &countingHandler{errs: []error{down, down, down, down}}
	d, store, alerter, reserver := testDispatcher(t, h.fn)

	id, err := d.Enqueue(context.Background(), Task{Action: ActionNotify, IdempotencyKey: "k-dl", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	drain(d, reserver, store, 6)

	if h.calls != 3 {
		t.Fatalf("maxAttempts=3 means exactly 3 executions, got %d", h.calls)
	}
	got, _ := store.Get(context.Background(), id)
	if got.Status != TaskDeadLettered {
		t.Fatalf("expected dead-lettered, got %s", got.Status)
	}
	if len(got.Failures) != 3 {
		t.Fatalf("expected full failure history, got %d entries", len(got.Failures))
	}
	if len(alerter.tasks) != 1 || alerter.tasks[0].ID != id {
		t.Fatalf("dead letter must raise an operator alert")
	}
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	h := &countingHandler{errs: []error{errs.Validation("bad payload")}}
	d, store, alerter, reserver := testDispatcher(t, h.fn)

	id, _ := d.Enqueue(context.Background(), Task{Action: ActionNotify, IdempotencyKey: "k-v"})
	drain(d, reserver, store, 3)

	if h.calls != 1 {
		t.Fatalf("validation failures must not retry, got %d calls", h.calls)
	}
	got, _ := store.Get(context.Background(), id)
	if got.Status != TaskDeadLettered {
		t.Fatalf("expected dead-lettered, got %s", got.Status)
	}
	if len(alerter.tasks) != 1 {
		t.Fatalf("expected operator alert")
	}
}

func TestConflictFromDownstreamIsSuccess(t *testing.T) {
	h := &countingHandler{errs: []error{errs.Conflict("duplicate")}}
	d, store, _, reserver := testDispatcher(t, h.fn)

	id, _ := d.Enqueue(context.Background(), Task{Action: ActionNotify, IdempotencyKey: "k-c"})
	drain(d, reserver, store, 1)

	got, _ := store.Get(context.Background(), id)
	if got.Status != TaskSucceeded {
		t.Fatalf("conflict must be success, got %s", got.Status)
	}
}

func TestCancelDiscardsResult(t *testing.T) {
	d, store, _, reserver := testDispatcher(t, func(ctx context.Context, payload map[string]any) error {
		return nil
	})
	ctx := context.Background()

	id, _ := d.Enqueue(ctx, Task{Action: ActionNotify, IdempotencyKey: "k-cancel"})
	if err := d.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	drain(d, reserver, store, 2)

	got, _ := store.Get(ctx, id)
	if got.Status != TaskCanceled {
		t.Fatalf("expected canceled, got %s", got.Status)
	}
}

func TestAttemptPersistedBeforeExecution(t *testing.T) {
	var (
		store  *MemoryTaskStore
		taskID string
		seen   []int
	)
	down := errs.E(errs.KindUnavailable, "service unavailable", nil)
	d, s, _, reserver := testDispatcher(t, func(ctx context.Context, payload map[string]any) error {
		got, err := store.Get(ctx, taskID)
		if err != nil {
			return err
		}
		seen = append(seen, got.Attempt)
		return down
	})
	store = s

	id, err := d.Enqueue(context.Background(), Task{Action: ActionNotify, IdempotencyKey: "k-claim", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	taskID = id
	drain(d, reserver, s, 2)

	// A crash inside the handler must not grant the task a fresh attempt, so
	// the incremented count has to be visible in the store while it runs.
	if len(seen) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(seen))
	}
	if seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("persisted attempt must lead execution, saw %v", seen)
	}
}

func TestSpentAttemptBudgetIsNotRerun(t *testing.T) {
	h := &countingHandler{}
	d, store, alerter, reserver := testDispatcher(t, h.fn)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.clock = func() time.Time { return now }
	reserver.clock = func() time.Time { return now }

	// A pending task whose attempt count already equals the budget is one a
	// previous process claimed and then died on.
	task := Task{ID: "t-spent", Action: ActionNotify, IdempotencyKey: "k-spent", Status: TaskPending, Attempt: 3, MaxAttempts: 3, NextAttemptAt: now}
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	d.Run(ctx)

	if h.calls != 0 {
		t.Fatalf("spent budget must not execute again, got %d calls", h.calls)
	}
	got, _ := store.Get(ctx, "t-spent")
	if got.Status != TaskDeadLettered {
		t.Fatalf("expected dead-lettered, got %s", got.Status)
	}
	if len(alerter.tasks) != 1 {
		t.Fatalf("expected operator alert")
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	d, _, _, _ := testDispatcher(t, (&countingHandler{}).fn)
	for attempt := 1; attempt <= 12; attempt++ {
		delay := d.backoffDelay(attempt)
		if delay <= 0 {
			t.Fatalf("attempt %d: delay must be positive, got %v", attempt, delay)
		}
		if delay > 5*time.Minute {
			t.Fatalf("attempt %d: delay %v exceeds the 5m cap", attempt, delay)
		}
	}
}

func TestRetryHonorsRetryAfterHint(t *testing.T) {
	h := &countingHandler{errs: []error{errs.RateLimited("throttled", 90*time.Second)}}
	d, store, _, _ := testDispatcher(t, h.fn)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.clock = func() time.Time { return now }

	id, _ := d.Enqueue(ctx, Task{Action: ActionNotify, IdempotencyKey: "k-ra"})
	d.Run(ctx)

	got, _ := store.Get(ctx, id)
	if got.Status != TaskPending {
		t.Fatalf("rate limited task must stay pending, got %s", got.Status)
	}
	if got.NextAttemptAt.Before(now.Add(90 * time.Second)) {
		t.Fatalf("retry-after hint not honored: next attempt %v", got.NextAttemptAt)
	}
}
