package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"chatdesk-core/internal/abtest"
	"chatdesk-core/internal/conversation"
	"chatdesk-core/internal/dispatch"
	"chatdesk-core/internal/errs"
	"chatdesk-core/internal/workflow"
)

// ActionSink translates workflow action nodes into dispatch tasks. It is the
// only bridge between the engine (which never performs I/O) and the
// dispatcher (which performs all of it).
//
// A/B assignment is the exception: it is a pure, deterministic computation,
// so it happens here synchronously and only the resulting tag is persisted.
type ActionSink struct {
	Dispatcher    *dispatch.Dispatcher
	Allocator     *abtest.Allocator
	Conversations conversation.Store
	Log           *slog.Logger
}

func (s *ActionSink) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

func (s *ActionSink) ActionRequested(ctx context.Context, run workflow.Run, spec workflow.ActionSpec) error {
	// One key per (run, node, action type): re-executing a resumed run never
	// doubles an effect.
	key := fmt.Sprintf("workflow:%s:%s:%s", run.ID, run.CurrentNodeID, spec.Type)

	switch spec.Type {
	case workflow.ActionAssignAB:
		return s.assignVariant(ctx, run, spec)
	case workflow.ActionChangeStatus:
		to, _ := spec.Params["to"].(string)
		if to == "" {
			return errs.Validation("workflow action: change_status requires params.to")
		}
		return s.enqueue(ctx, dispatch.Task{
			Action:         dispatch.ActionChangeStatus,
			IdempotencyKey: key,
			Payload:        map[string]any{"conversation_id": run.ConversationID, "to": to},
		})
	case workflow.ActionNotify:
		payload := map[string]any{"conversation_id": run.ConversationID, "workflow_id": run.WorkflowID}
		for k, v := range spec.Params {
			payload[k] = v
		}
		return s.enqueue(ctx, dispatch.Task{
			Action:         dispatch.ActionNotify,
			IdempotencyKey: key,
			Payload:        payload,
		})
	case workflow.ActionAddNote:
		note, _ := spec.Params["note"].(string)
		if note == "" {
			return errs.Validation("workflow action: add_note requires params.note")
		}
		return s.enqueue(ctx, dispatch.Task{
			Action:         dispatch.ActionAddNote,
			IdempotencyKey: key,
			Payload:        map[string]any{"conversation_id": run.ConversationID, "note": note},
		})
	case workflow.ActionExternalCall:
		payload := map[string]any{"conversation_id": run.ConversationID}
		for k, v := range spec.Params {
			payload[k] = v
		}
		return s.enqueue(ctx, dispatch.Task{
			Action:         dispatch.ActionExternalCall,
			IdempotencyKey: key,
			Payload:        payload,
		})
	default:
		return errs.Validationf("workflow action: unknown type %q", spec.Type)
	}
}

func (s *ActionSink) enqueue(ctx context.Context, t dispatch.Task) error {
	_, err := s.Dispatcher.Enqueue(ctx, t)
	return err
}

func (s *ActionSink) assignVariant(ctx context.Context, run workflow.Run, spec workflow.ActionSpec) error {
	testID, _ := spec.Params["test_id"].(string)
	if testID == "" {
		return errs.Validation("workflow action: assign_ab_variant requires params.test_id")
	}
	variantID, err := s.Allocator.Assign(ctx, testID, run.ConversationID)
	if err != nil {
		return err
	}

	conv, err := s.Conversations.Get(ctx, run.ConversationID)
	if err != nil {
		return err
	}
	tag := "experiment:" + testID + ":" + variantID
	for _, t := range conv.Tags {
		if t == tag {
			return nil // idempotent re-assignment
		}
	}
	conv.Tags = append(conv.Tags, tag)
	if err := s.Conversations.Save(ctx, conv); err != nil {
		return err
	}
	s.logger().Info("experiment variant assigned", "test_id", testID, "conversation_id", run.ConversationID, "variant_id", variantID)
	return nil
}

func (s *ActionSink) RunCompleted(ctx context.Context, res workflow.Result) error {
	s.logger().Info("workflow run completed",
		"run_id", res.RunID,
		"workflow_id", res.WorkflowID,
		"conversation_id", res.ConversationID,
	)
	return nil
}
