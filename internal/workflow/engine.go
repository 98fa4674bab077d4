package workflow

import (
	"context"
	"log/slog"
	"time"

	"chatdesk-core/internal/condition"
	"chatdesk-core/internal/errs"
	"chatdesk-core/internal/event"

	"github.com/google/uuid"
)

// Loader fetches workflow definitions for a chatbot. Persistence is an
// external collaborator reached only through this contract.
type Loader interface {
	Load(ctx context.Context, chatbotID string) ([]Definition, error)
}

// Sink receives the engine's outputs. Actions are emitted, never executed
// here: the dispatcher is the only component that performs external I/O.
type Sink interface {
	ActionRequested(ctx context.Context, run Run, action ActionSpec) error
	RunCompleted(ctx context.Context, res Result) error
}

// Engine resolves which workflows fire for an event and drives run state
// machines. It never sleeps the calling goroutine; delayed work goes through
// the Scheduled state and the timer sweep.
type Engine struct {
	defs Loader
	runs RunStore
	eval *condition.Evaluator
	sink Sink
	log  *slog.Logger

	clock func() time.Time
	newID func() string

	// maxRunRetries bounds sweeps-driven re-attempts of retryable runtime
	// failures; validation failures never retry.
	maxRunRetries int
	retryDelay    time.Duration
}

func NewEngine(defs Loader, runs RunStore, eval *condition.Evaluator, sink Sink, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		defs:          defs,
		runs:          runs,
		eval:          eval,
		sink:          sink,
		log:           log,
		clock:         time.Now,
		newID:         uuid.NewString,
		maxRunRetries: 2,
		retryDelay:    30 * time.Second,
	}
}

// HandleEvent starts a run for every active definition triggered by the
// event. Definition validation errors surface synchronously; runtime
// failures are recorded on the run.
func (e *Engine) HandleEvent(ctx context.Context, chatbotID string, ev event.Event, snapshot map[string]any) ([]Run, error) {
	if chatbotID == "" {
		return nil, errs.Validation("workflow: chatbot id is required")
	}

	defs, err := e.defs.Load(ctx, chatbotID)
	if err != nil {
		return nil, err
	}

	var out []Run
	for _, def := range defs {
		if !def.IsActive || def.Trigger != ev.Name {
			continue
		}
		if err := def.Validate(); err != nil {
			return out, err
		}

		now := e.clock().UTC()
		run := Run{
			ID:             e.newID(),
			WorkflowID:     def.ID,
			WorkspaceID:    def.WorkspaceID,
			ChatbotID:      chatbotID,
			ConversationID: ev.ConversationID,
			EventID:        ev.ID,
			State:          RunPending,
			CurrentNodeID:  def.EntryNodeID,
			Snapshot:       snapshot,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := e.runs.Create(ctx, run); err != nil {
			return out, err
		}

		run = e.execute(ctx, def, run)
		out = append(out, run)
	}
	return out, nil
}

// Resume re-enters a scheduled run; called by the sweep, never inline.
func (e *Engine) Resume(ctx context.Context, run Run) (Run, error) {
	// Re-read to observe cancellations that raced with the sweep.
	current, err := e.runs.Get(ctx, run.ID)
	if err != nil {
		return run, err
	}
	if current.State != RunScheduled {
		return current, nil
	}

	def, err := e.definitionFor(ctx, current)
	if err != nil {
		return e.fail(ctx, current, "definition_unavailable"), err
	}
	return e.execute(ctx, def, current), nil
}

// Cancel requests cooperative cancellation. In-flight work is not
// interrupted; its effects are discarded when the run is observed canceled.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	run, err := e.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return errs.Conflict("workflow: run already terminal")
	}
	run.State = RunCanceled
	run.FireAt = time.Time{}
	run.UpdatedAt = e.clock().UTC()
	return e.runs.Update(ctx, run)
}

func (e *Engine) definitionFor(ctx context.Context, run Run) (Definition, error) {
	defs, err := e.defs.Load(ctx, run.ChatbotID)
	if err != nil {
		return Definition{}, err
	}
	for _, d := range defs {
		if d.ID == run.WorkflowID {
			return d, nil
		}
	}
	return Definition{}, errs.NotFound("workflow: definition not found for run")
}

// execute advances the run until it parks (Scheduled) or terminates.
func (e *Engine) execute(ctx context.Context, def Definition, run Run) Run {
	run.State = RunEvaluating
	run.UpdatedAt = e.clock().UTC()
	if err := e.runs.Update(ctx, run); err != nil {
		e.log.Error("run update failed", "run_id", run.ID, "err", err)
		return run
	}

	// Step cap bounds cyclic graphs; validation checks structure, not reachability.
	const maxSteps = 64

	for step := 0; ; step++ {
		if step >= maxSteps {
			return e.fail(ctx, run, "step_limit_exceeded")
		}
		if canceled, cur := e.observeCanceled(ctx, run.ID); canceled {
			return cur
		}

		node, ok := def.node(run.CurrentNodeID)
		if !ok {
			return e.fail(ctx, run, "node_not_found")
		}

		switch node.Type {
		case NodeConditional:
			target, err := e.pickBranch(node, run.Snapshot)
			if err != nil {
				return e.runtimeFailure(ctx, run, err)
			}
			if target == "" {
				return e.fail(ctx, run, FailReasonNoMatchingBranch)
			}
			run.State = RunBranched
			run.CurrentNodeID = target

		case NodeDelay:
			fireAt, err := node.Delay.Resolve(e.clock().UTC(), run.Snapshot, e.eval)
			if err != nil {
				return e.runtimeFailure(ctx, run, err)
			}
			run.CurrentNodeID = node.NextNodeID
			if run.CurrentNodeID == "" {
				return e.complete(ctx, run)
			}
			if fireAt.After(e.clock().UTC()) {
				run.State = RunScheduled
				run.FireAt = fireAt
				run.UpdatedAt = e.clock().UTC()
				if err := e.runs.Update(ctx, run); err != nil {
					e.log.Error("run schedule persist failed", "run_id", run.ID, "err", err)
				}
				return run
			}
			// Already due: keep walking, no schedule round-trip.

		case NodeAction:
			if err := e.sink.ActionRequested(ctx, run, *node.Action); err != nil {
				return e.runtimeFailure(ctx, run, err)
			}
			if node.NextNodeID == "" {
				return e.complete(ctx, run)
			}
			run.CurrentNodeID = node.NextNodeID

		case NodeTerminal:
			return e.complete(ctx, run)

		default:
			return e.fail(ctx, run, "unknown_node_type")
		}

		run.UpdatedAt = e.clock().UTC()
		if err := e.runs.Update(ctx, run); err != nil {
			e.log.Error("run update failed", "run_id", run.ID, "err", err)
			return run
		}
	}
}

// pickBranch evaluates branches in declared order; first match wins. The
// default branch is consulted only after every conditional branch missed.
// Optimized sets are semantically identical to the declared ones.
func (e *Engine) pickBranch(node Node, snapshot map[string]any) (string, error) {
	var defaultTarget string
	for _, b := range node.Branches {
		if b.IsDefault() {
			defaultTarget = b.TargetNodeID
			continue
		}
		match, err := e.eval.Evaluate(e.eval.Optimize(b.ConditionSet), snapshot)
		if err != nil {
			return "", err
		}
		if match {
			return b.TargetNodeID, nil
		}
	}
	return defaultTarget, nil
}

func (e *Engine) observeCanceled(ctx context.Context, runID string) (bool, Run) {
	cur, err := e.runs.Get(ctx, runID)
	if err != nil {
		return false, Run{}
	}
	if cur.State == RunCanceled {
		e.log.Info("run canceled, discarding progress", "run_id", runID)
		return true, cur
	}
	return false, cur
}

func (e *Engine) complete(ctx context.Context, run Run) Run {
	now := e.clock().UTC()
	run.State = RunCompleted
	run.FireAt = time.Time{}
	run.UpdatedAt = now
	if err := e.runs.Update(ctx, run); err != nil {
		e.log.Error("run completion persist failed", "run_id", run.ID, "err", err)
	}
	res := Result{
		RunID:          run.ID,
		WorkflowID:     run.WorkflowID,
		ConversationID: run.ConversationID,
		State:          RunCompleted,
		CompletedAt:    now,
	}
	if err := e.sink.RunCompleted(ctx, res); err != nil {
		e.log.Error("run result emit failed", "run_id", run.ID, "err", err)
	}
	return run
}

func (e *Engine) fail(ctx context.Context, run Run, reason string) Run {
	run.State = RunFailed
	run.FailReason = reason
	run.FireAt = time.Time{}
	run.UpdatedAt = e.clock().UTC()
	if err := e.runs.Update(ctx, run); err != nil {
		e.log.Error("run failure persist failed", "run_id", run.ID, "err", err)
	}
	return run
}

// runtimeFailure marks the run failed, rescheduling it first when the error
// class is retryable and the retry budget allows.
func (e *Engine) runtimeFailure(ctx context.Context, run Run, cause error) Run {
	kind := errs.Classify(cause)
	if errs.Retryable(kind) && run.Retries < e.maxRunRetries {
		run.Retries++
		run.State = RunScheduled
		run.FireAt = e.clock().UTC().Add(time.Duration(run.Retries) * e.retryDelay)
		run.UpdatedAt = e.clock().UTC()
		if err := e.runs.Update(ctx, run); err != nil {
			e.log.Error("run retry persist failed", "run_id", run.ID, "err", err)
		}
		e.log.Warn("run hit retryable failure, rescheduled", "run_id", run.ID, "kind", kind, "retry", run.Retries, "err", cause)
		return run
	}
	e.log.Warn("run failed", "run_id", run.ID, "kind", kind, "err", cause)
	return e.fail(ctx, run, string(kind)+": "+cause.Error())
}
