package triage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"chatdesk-core/internal/condition"
	"chatdesk-core/internal/conversation"
	"chatdesk-core/internal/dispatch"
	"chatdesk-core/internal/errs"
)

// Enqueuer hands rule actions to the dispatcher. The triage service never
// executes side effects inline.
type Enqueuer interface {
	Enqueue(ctx context.Context, t dispatch.Task) (string, error)
}

// Signal is the per-conversation input a rule is checked against.
type Signal struct {
	ConversationID string
	WorkspaceID    string

	// SentimentScore is set when the signal carries a sentiment reading.
	SentimentScore *float64

	// Message is the latest visitor message, for keyword rules.
	Message string

	// WaitingSince is when the conversation started waiting for a human.
	// Zero means not waiting.
	WaitingSince time.Time

	// Snapshot feeds custom condition rules.
	Snapshot map[string]any
}

// SentimentThresholds map scores onto minimum priorities. A score below
// Critical forces critical priority; below High forces at least high.
type SentimentThresholds struct {
	Critical float64
	High     float64
}

func DefaultSentimentThresholds() SentimentThresholds {
	return SentimentThresholds{Critical: -0.7, High: -0.3}
}

// Service evaluates triage rules and maintains the priority queue.
type Service struct {
	rules      RuleStore
	queue      QueueStore
	eval       *condition.Evaluator
	dispatcher Enqueuer
	thresholds SentimentThresholds
	log        *slog.Logger

	clock func() time.Time
}

func NewService(rules RuleStore, queue QueueStore, eval *condition.Evaluator, dispatcher Enqueuer, thresholds SentimentThresholds, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if thresholds == (SentimentThresholds{}) {
		thresholds = DefaultSentimentThresholds()
	}
	return &Service{
		rules:      rules,
		queue:      queue,
		eval:       eval,
		dispatcher: dispatcher,
		thresholds: thresholds,
		log:        log,
		clock:      time.Now,
	}
}

// Evaluate runs every active rule for the chatbot against the signal.
// Rule failures are isolated: one broken rule never blocks the others.
func (s *Service) Evaluate(ctx context.Context, chatbotID string, sig Signal) error {
	rules, err := s.rules.Load(ctx, chatbotID)
	if err != nil {
		return err
	}
	for _, r := range rules {
		if !r.IsActive {
			continue
		}
		if _, err := s.Submit(ctx, r, sig); err != nil {
			s.log.Error("triage rule evaluation failed", "rule_id", r.ID, "conversation_id", sig.ConversationID, "err", err)
		}
	}
	return nil
}

// Submit checks one rule against the signal and, when it fires, escalates
// the conversation and forwards the rule actions to the dispatcher. Returns
// whether the rule fired.
func (s *Service) Submit(ctx context.Context, r Rule, sig Signal) (bool, error) {
	if sig.ConversationID == "" {
		return false, errs.Validation("triage: signal requires a conversation id")
	}
	fired, reason := s.fires(r, sig)
	if !fired {
		return false, nil
	}

	pri := s.effectivePriority(r, sig)
	escalated, err := s.escalate(ctx, sig, pri, reason)
	if err != nil {
		return false, err
	}
	if !escalated {
		// Already queued at an equal or higher priority. The conversation
		// is in front of a human either way; re-firing actions would spam.
		return true, nil
	}

	s.log.Info("triage rule fired",
		"rule_id", r.ID,
		"conversation_id", sig.ConversationID,
		"priority", pri,
		"reason", reason,
	)
	s.forwardActions(ctx, r, sig, pri, reason)
	return true, nil
}

func (s *Service) fires(r Rule, sig Signal) (bool, string) {
	switch r.TriggerType {
	case TriggerSentiment:
		if sig.SentimentScore == nil {
			return false, ""
		}
		if *sig.SentimentScore < r.SentimentThreshold {
			return true, fmt.Sprintf("sentiment_below_threshold:%.2f", *sig.SentimentScore)
		}
	case TriggerKeywords:
		msg := strings.ToLower(sig.Message)
		if msg == "" {
			return false, ""
		}
		for _, kw := range r.Keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(msg, strings.ToLower(kw)) {
				return true, "keyword_match:" + kw
			}
		}
	case TriggerDuration:
		if sig.WaitingSince.IsZero() {
			return false, ""
		}
		waited := s.clock().Sub(sig.WaitingSince)
		if waited >= time.Duration(r.WaitThresholdMinutes)*time.Minute {
			return true, fmt.Sprintf("wait_exceeded:%dm", int(waited.Minutes()))
		}
	case TriggerCustom:
		ok, err := s.eval.Evaluate(r.Conditions, sig.Snapshot)
		if err != nil {
			s.log.Error("triage custom rule evaluation failed", "rule_id", r.ID, "err", err)
			return false, ""
		}
		if ok {
			return true, "custom_conditions_met"
		}
	}
	return false, ""
}

// effectivePriority raises the rule's priority when the sentiment score is
// bad enough that the configured thresholds demand it. Priorities only ever
// move up.
func (s *Service) effectivePriority(r Rule, sig Signal) Priority {
	pri := r.Priority
	if sig.SentimentScore == nil {
		return pri
	}
	var floor Priority
	switch {
	case *sig.SentimentScore < s.thresholds.Critical:
		floor = PriorityCritical
	case *sig.SentimentScore < s.thresholds.High:
		floor = PriorityHigh
	default:
		return pri
	}
	if floor.Above(pri) {
		return floor
	}
	return pri
}

// maxEscalateRetries bounds the optimistic-concurrency retry loop.
const maxEscalateRetries = 5

// escalate upserts the queue item, monotonically: a conversation already
// queued at an equal or higher priority is left untouched. Returns whether
// the queue state changed.
func (s *Service) escalate(ctx context.Context, sig Signal, pri Priority, reason string) (bool, error) {
	now := s.clock().UTC()
	for i := 0; i < maxEscalateRetries; i++ {
		cur, err := s.queue.Get(ctx, sig.ConversationID)
		if err != nil {
			if errs.Classify(err) != errs.KindNotFound {
				return false, err
			}
			item := QueueItem{
				ConversationID:   sig.ConversationID,
				WorkspaceID:      sig.WorkspaceID,
				Priority:         pri,
				EscalationReason: reason,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			err := s.queue.Create(ctx, item)
			if err == nil {
				return true, nil
			}
			if errs.Classify(err) == errs.KindConflict {
				continue // lost the race, re-read and compare priorities
			}
			return false, err
		}

		if !pri.Above(cur.Priority) {
			return false, nil
		}
		cur.Priority = pri
		cur.EscalationReason = reason
		cur.UpdatedAt = now
		err = s.queue.Update(ctx, cur, cur.Version)
		if err == nil {
			return true, nil
		}
		if errs.Classify(err) == errs.KindConflict {
			continue
		}
		return false, err
	}
	return false, errs.Conflict("triage: queue item contended, escalation retries exhausted")
}

// forwardActions enqueues the rule's side effects on the dispatcher.
// Idempotency keys are derived from rule, conversation, and priority, so a
// re-fire at the same priority inside the dedup window coalesces.
func (s *Service) forwardActions(ctx context.Context, r Rule, sig Signal, pri Priority, reason string) {
	keyBase := fmt.Sprintf("triage:%s:%s:%s", r.ID, sig.ConversationID, pri)

	if r.Actions.ChangeStatus {
		s.enqueue(ctx, dispatch.Task{
			Action:         dispatch.ActionChangeStatus,
			IdempotencyKey: keyBase + ":status",
			Payload: map[string]any{
				"conversation_id": sig.ConversationID,
				"to":              string(conversation.StatusAwaitingHumanResponse),
			},
		})
	}
	if r.Actions.NotifyTeam != "" {
		s.enqueue(ctx, dispatch.Task{
			Action:         dispatch.ActionNotify,
			IdempotencyKey: keyBase + ":notify",
			Payload: map[string]any{
				"channel":         r.Actions.NotifyTeam,
				"conversation_id": sig.ConversationID,
				"priority":        string(pri),
				"reason":          reason,
				"assigned_to":     r.Actions.AssignTo,
			},
		})
	}
	if r.Actions.AddNote != "" {
		s.enqueue(ctx, dispatch.Task{
			Action:         dispatch.ActionAddNote,
			IdempotencyKey: keyBase + ":note",
			Payload: map[string]any{
				"conversation_id": sig.ConversationID,
				"note":            r.Actions.AddNote,
			},
		})
	}
}

func (s *Service) enqueue(ctx context.Context, t dispatch.Task) {
	if s.dispatcher == nil {
		return
	}
	if _, err := s.dispatcher.Enqueue(ctx, t); err != nil {
		s.log.Error("triage action enqueue failed", "action", t.Action, "idempotency_key", t.IdempotencyKey, "err", err)
	}
}

// Peek returns up to n queue entries ordered by priority, then by how long
// each conversation has waited. Wait time is computed at read time.
func (s *Service) Peek(ctx context.Context, workspaceID string, n int) ([]QueueEntry, error) {
	items, err := s.queue.List(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	now := s.clock().UTC()
	entries := make([]QueueEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, QueueEntry{
			QueueItem:       item,
			WaitTimeMinutes: int(now.Sub(item.CreatedAt).Minutes()),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority.Rank() != entries[j].Priority.Rank() {
			return entries[i].Priority.Rank() > entries[j].Priority.Rank()
		}
		return entries[i].WaitTimeMinutes > entries[j].WaitTimeMinutes
	})
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// Resolve removes a conversation from the queue, after resolution or a
// hand-back to the AI.
func (s *Service) Resolve(ctx context.Context, conversationID string) error {
	return s.queue.Remove(ctx, conversationID)
}
