package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatdesk-core/internal/dispatch"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to tenant users by default.
// - Callers should treat audit logging as best-effort.

type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.WorkspaceID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogRuleChange records a triage rule mutation by an operator.
func (s *Service) LogRuleChange(ctx context.Context, workspaceID, actorUserID, actorRole, ip, ruleID, message string) error {
	return s.Append(ctx, Event{
		WorkspaceID: workspaceID,
		Type:        EventTypeRuleChange,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		RuleID:      ruleID,
		Message:     message,
	})
}

// LogWorkflowChange records a workflow definition mutation.
func (s *Service) LogWorkflowChange(ctx context.Context, workspaceID, actorUserID, actorRole, ip, workflowID, message string) error {
	return s.Append(ctx, Event{
		WorkspaceID: workspaceID,
		Type:        EventTypeWorkflowChange,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		WorkflowID:  workflowID,
		Message:     message,
	})
}

// LogPermissiveMode records that the gateway accepted traffic without an API
// key configured. One record per boot is enough; the caller decides.
func (s *Service) LogPermissiveMode(ctx context.Context, workspaceID string) error {
	return s.Append(ctx, Event{
		WorkspaceID: workspaceID,
		Type:        EventTypePermissiveMode,
		Message:     "event gateway running without an API key, all ingest accepted",
	})
}

// DeadLetterAlerter surfaces dead-lettered dispatch tasks to operators via
// the audit stream. It satisfies the dispatcher's Alerter contract.
type DeadLetterAlerter struct {
	Svc         *Service
	WorkspaceID string
	Log         *slog.Logger
}

func (a *DeadLetterAlerter) DeadLettered(ctx context.Context, t dispatch.Task) {
	log := a.Log
	if log == nil {
		log = slog.Default()
	}
	meta, err := json.Marshal(t.Failures)
	if err != nil {
		meta = nil
	}
	conversationID, _ := t.Payload["conversation_id"].(string)
	e := Event{
		WorkspaceID:    a.WorkspaceID,
		Type:           EventTypeDeadLetter,
		TaskID:         t.ID,
		ConversationID: conversationID,
		Message:        fmt.Sprintf("dispatch task dead-lettered after %d attempts: %s", t.Attempt, t.Action),
		Metadata:       string(meta),
	}
	if err := a.Svc.Append(ctx, e); err != nil {
		// Best-effort: the alert must never take the dispatcher down.
		log.Error("dead letter audit append failed", "task_id", t.ID, "err", err)
	}
}
