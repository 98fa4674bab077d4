package dispatch

import (
	"context"
	"log/slog"
	"time"

	"chatdesk-core/internal/errs"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Handler performs one action's side effect.
type Handler func(ctx context.Context, payload map[string]any) error

// Registry maps actions to handlers. The dispatcher is the only component
// allowed to perform external I/O, and it only does so through handlers.
type Registry struct {
	handlers map[Action]Handler
}

func NewRegistry() *Registry { return &Registry{handlers: map[Action]Handler{}} }

func (r *Registry) Register(a Action, h Handler) { r.handlers[a] = h }

func (r *Registry) handler(a Action) (Handler, bool) {
	h, ok := r.handlers[a]
	return h, ok
}

// Alerter surfaces dead-lettered tasks to operators. Dead letters are never
// silently dropped: the alert carries the original payload and the full
// failure history.
type Alerter interface {
	DeadLettered(ctx context.Context, t Task)
}

// Config tunes retry and dedup behavior.
type Config struct {
	// DedupWindow is how long an idempotency key stays claimed.
	DedupWindow time.Duration

	// BaseRetryDelay seeds the exponential backoff.
	BaseRetryDelay time.Duration

	// MaxRetryDelay caps backoff (including jitter).
	MaxRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.DedupWindow <= 0 {
		out.DedupWindow = 10 * time.Minute
	}
	if out.BaseRetryDelay <= 0 {
		out.BaseRetryDelay = 2 * time.Second
	}
	if out.MaxRetryDelay <= 0 {
		out.MaxRetryDelay = 5 * time.Minute
	}
	return out
}

// Dispatcher executes side-effect tasks with idempotency, retry, and
// dead-lettering.
type Dispatcher struct {
	store    TaskStore
	reserver Reserver
	registry *Registry
	alerter  Alerter
	cfg      Config
	log      *slog.Logger

	clock func() time.Time
	newID func() string
}

func NewDispatcher(store TaskStore, reserver Reserver, registry *Registry, alerter Alerter, cfg Config, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:    store,
		reserver: reserver,
		registry: registry,
		alerter:  alerter,
		cfg:      cfg.withDefaults(),
		log:      log,
		clock:    time.Now,
		newID:    uuid.NewString,
	}
}

// Enqueue accepts a task for execution and returns its id.
//
// A second enqueue carrying an idempotency key that already has a pending
// task returns the existing task id: the logical action is already on its
// way, and a key collision is success, not failure.
func (d *Dispatcher) Enqueue(ctx context.Context, t Task) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	if _, ok := d.registry.handler(t.Action); !ok {
		return "", errs.Validationf("dispatch: no handler registered for action %q", t.Action)
	}

	if existing, found, err := d.store.FindPendingByKey(ctx, t.IdempotencyKey); err != nil {
		return "", err
	} else if found {
		d.log.Debug("duplicate enqueue coalesced", "task_id", existing.ID, "idempotency_key", t.IdempotencyKey)
		return existing.ID, nil
	}

	now := d.clock().UTC()
	if t.ID == "" {
		t.ID = d.newID()
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = DefaultMaxAttempts
	}
	t.Status = TaskPending
	t.Attempt = 0
	t.NextAttemptAt = now
	t.CreatedAt = now
	t.UpdatedAt = now

	if err := d.store.Create(ctx, t); err != nil {
		if errs.Classify(err) == errs.KindConflict {
			return t.ID, nil
		}
		return "", err
	}
	return t.ID, nil
}

// Cancel requests cooperative cancellation. An attempt already in flight is
// not interrupted; its result is discarded when it returns.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	t, err := d.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != TaskPending {
		return errs.Conflict("dispatch: task is not pending")
	}
	t.Status = TaskCanceled
	t.UpdatedAt = d.clock().UTC()
	return d.store.Update(ctx, t)
}

// Run drains one batch of ready tasks. The pipeline calls this from a
// periodic sweep; retry timing lives in persisted NextAttemptAt values, so a
// crash between attempts loses nothing.
func (d *Dispatcher) Run(ctx context.Context) {
	due, err := d.store.Due(ctx, d.clock().UTC(), 100)
	if err != nil {
		d.log.Error("dispatch sweep failed", "err", err)
		return
	}
	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		d.attempt(ctx, t)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, t Task) {
	handler, ok := d.registry.handler(t.Action)
	if !ok {
		d.deadLetter(ctx, t, errs.Validationf("no handler for action %q", t.Action))
		return
	}

	// A pending task whose persisted attempt count already equals the budget
	// was claimed but never resolved (crash mid-handler). Running it again
	// would exceed MaxAttempts total executions.
	if t.Attempt >= t.MaxAttempts {
		d.deadLetter(ctx, t, errs.E(errs.KindUnavailable, "dispatch: attempt budget exhausted", nil))
		return
	}

	claimed, err := d.reserver.Reserve(ctx, t.IdempotencyKey, d.cfg.DedupWindow)
	if err != nil {
		// Reservation backend unavailable: leave the task pending and retry
		// the claim on the next sweep rather than risking a double effect.
		d.log.Error("idempotency reserve failed", "task_id", t.ID, "err", err)
		return
	}
	if !claimed {
		// Another task already performed this logical action inside the
		// dedup window. Collision is success.
		d.log.Info("idempotency collision, marking succeeded", "task_id", t.ID, "idempotency_key", t.IdempotencyKey)
		t.Status = TaskSucceeded
		t.UpdatedAt = d.clock().UTC()
		if err := d.store.Update(ctx, t); err != nil {
			d.log.Error("task update failed", "task_id", t.ID, "err", err)
		}
		return
	}

	// The increment is persisted before the side effect runs: a crash inside
	// the handler must not hand the task a fresh attempt on restart.
	t.Attempt++
	t.UpdatedAt = d.clock().UTC()
	if err := d.store.Update(ctx, t); err != nil {
		d.log.Error("attempt claim persist failed", "task_id", t.ID, "err", err)
		if rerr := d.reserver.Release(ctx, t.IdempotencyKey); rerr != nil {
			d.log.Error("idempotency release failed", "task_id", t.ID, "err", rerr)
		}
		return
	}

	execErr := handler(ctx, t.Payload)

	// Cooperative cancellation: a cancel that landed while the handler ran
	// discards the outcome.
	if cur, err := d.store.Get(ctx, t.ID); err == nil && cur.Status == TaskCanceled {
		d.log.Info("task canceled mid-flight, result discarded", "task_id", t.ID)
		return
	}

	now := d.clock().UTC()
	if execErr == nil {
		t.Status = TaskSucceeded
		t.UpdatedAt = now
		if err := d.store.Update(ctx, t); err != nil {
			d.log.Error("task update failed", "task_id", t.ID, "err", err)
		}
		return
	}

	kind := errs.Classify(execErr)
	if kind == errs.KindConflict {
		// Idempotency collision reported by the downstream itself.
		t.Status = TaskSucceeded
		t.UpdatedAt = now
		if err := d.store.Update(ctx, t); err != nil {
			d.log.Error("task update failed", "task_id", t.ID, "err", err)
		}
		return
	}

	// The effect did not happen, so the reservation must not block a retry
	// or a later task carrying the same key.
	if err := d.reserver.Release(ctx, t.IdempotencyKey); err != nil {
		d.log.Error("idempotency release failed", "task_id", t.ID, "err", err)
	}

	t.Failures = append(t.Failures, AttemptFailure{Attempt: t.Attempt, At: now, Error: execErr.Error(), Kind: string(kind)})

	if !errs.Retryable(kind) || t.Attempt >= t.MaxAttempts {
		d.deadLetter(ctx, t, execErr)
		return
	}

	delay := d.backoffDelay(t.Attempt)
	if hint, ok := errs.RetryAfterHint(execErr); ok && hint > delay {
		delay = hint
		if delay > d.cfg.MaxRetryDelay {
			delay = d.cfg.MaxRetryDelay
		}
	}
	t.NextAttemptAt = now.Add(delay)
	t.UpdatedAt = now
	if err := d.store.Update(ctx, t); err != nil {
		d.log.Error("task retry persist failed", "task_id", t.ID, "err", err)
		return
	}
	d.log.Warn("task attempt failed, retrying", "task_id", t.ID, "action", t.Action, "attempt", t.Attempt, "kind", kind, "next_attempt_in", delay, "err", execErr)
}

// backoffDelay computes the exponential backoff (with jitter) for the given
// attempt, capped at MaxRetryDelay.
func (d *Dispatcher) backoffDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.BaseRetryDelay
	b.MaxInterval = d.cfg.MaxRetryDelay
	b.MaxElapsedTime = 0

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay > d.cfg.MaxRetryDelay {
		delay = d.cfg.MaxRetryDelay
	}
	return delay
}

func (d *Dispatcher) deadLetter(ctx context.Context, t Task, cause error) {
	t.Status = TaskDeadLettered
	t.UpdatedAt = d.clock().UTC()
	if err := d.store.Update(ctx, t); err != nil {
		d.log.Error("dead letter persist failed", "task_id", t.ID, "err", err)
	}
	d.log.Error("task dead-lettered", "task_id", t.ID, "action", t.Action, "attempts", t.Attempt, "err", cause)
	if d.alerter != nil {
		d.alerter.DeadLettered(ctx, t)
	}
}
