package pipeline

import (
	"context"
	"log/slog"
	"time"

	"chatdesk-core/internal/conversation"
	"chatdesk-core/internal/dispatch"
	"chatdesk-core/internal/errs"
	"chatdesk-core/internal/event"
	"chatdesk-core/internal/triage"
	"chatdesk-core/internal/workflow"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

// Pipeline drives an accepted event through the automation core: it keeps
// the conversation model current, lets the workflow engine fire, and runs
// triage rules. Events are partitioned by subject so one conversation's
// events are always processed in arrival order; different subjects proceed
// concurrently.
type Pipeline struct {
	conversations conversation.Store
	engine        *workflow.Engine
	triage        *triage.Service
	dispatcher    *dispatch.Dispatcher
	sweeper       *workflow.Sweeper
	log           *slog.Logger

	dispatchInterval time.Duration
	queues           []chan event.Event
	clock            func() time.Time
}

type Config struct {
	// Workers is the number of ordered partitions. Default 8.
	Workers int
	// QueueDepth bounds each partition's backlog. Default 256.
	QueueDepth int
	// DispatchInterval is the dispatcher sweep cadence. Default 2s.
	DispatchInterval time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.Workers <= 0 {
		out.Workers = 8
	}
	if out.QueueDepth <= 0 {
		out.QueueDepth = 256
	}
	if out.DispatchInterval <= 0 {
		out.DispatchInterval = 2 * time.Second
	}
	return out
}

func New(conversations conversation.Store, engine *workflow.Engine, triageSvc *triage.Service, dispatcher *dispatch.Dispatcher, sweeper *workflow.Sweeper, cfg Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	queues := make([]chan event.Event, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan event.Event, cfg.QueueDepth)
	}
	return &Pipeline{
		conversations:    conversations,
		engine:           engine,
		triage:           triageSvc,
		dispatcher:       dispatcher,
		sweeper:          sweeper,
		log:              log,
		dispatchInterval: cfg.DispatchInterval,
		queues:           queues,
		clock:            time.Now,
	}
}

// Ingest hands an accepted event to its subject's partition. It blocks when
// the partition is saturated, pushing backpressure up to the HTTP layer.
func (p *Pipeline) Ingest(ctx context.Context, ev event.Event) error {
	if ev.SubjectID == "" {
		return errs.Validation("pipeline: event subject id is required")
	}
	idx := xxhash.Sum64String(ev.SubjectID) % uint64(len(p.queues))
	select {
	case p.queues[idx] <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run blocks until ctx is canceled, processing events on every partition and
// driving the workflow and dispatch sweeps.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := range p.queues {
		q := p.queues[i]
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case ev := <-q:
					p.process(ctx, ev)
				}
			}
		})
	}

	if p.sweeper != nil {
		g.Go(func() error {
			p.sweeper.Run(ctx)
			return ctx.Err()
		})
	}
	if p.dispatcher != nil {
		g.Go(func() error {
			ticker := time.NewTicker(p.dispatchInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					p.dispatcher.Run(ctx)
				}
			}
		})
	}

	return g.Wait()
}

// process applies one event. Stage failures are isolated: a triage error
// never blocks the workflow stage and vice versa.
func (p *Pipeline) process(ctx context.Context, ev event.Event) {
	conv, err := p.applyToConversation(ctx, ev)
	if err != nil {
		p.log.Error("conversation update failed", "event_id", ev.ID, "event", ev.Name, "err", err)
		return
	}

	snapshot := p.snapshot(conv, ev)

	if _, err := p.engine.HandleEvent(ctx, conv.ChatbotID, ev, snapshot); err != nil {
		p.log.Error("workflow stage failed", "event_id", ev.ID, "chatbot_id", conv.ChatbotID, "err", err)
	}

	if err := p.triage.Evaluate(ctx, conv.ChatbotID, p.signal(conv, ev, snapshot)); err != nil {
		p.log.Error("triage stage failed", "event_id", ev.ID, "chatbot_id", conv.ChatbotID, "err", err)
	}
}

// applyToConversation keeps the conversation model current with the event
// stream and returns the conversation the event belongs to.
func (p *Pipeline) applyToConversation(ctx context.Context, ev event.Event) (conversation.Conversation, error) {
	now := p.clock().UTC()

	// Events without a conversation id (pre-conversation widget activity)
	// are tracked under the subject key.
	key := ev.ConversationID
	if key == "" {
		key = ev.SubjectID
	}

	conv, err := p.conversations.Get(ctx, key)
	if err != nil {
		if errs.Classify(err) != errs.KindNotFound {
			return conversation.Conversation{}, err
		}
		// First sighting. The widget sends chatbot_id and workspace_id on
		// conversation.started; later events rely on the stored row.
		chatbotID, _ := ev.Payload["chatbot_id"].(string)
		workspaceID, _ := ev.Payload["workspace_id"].(string)
		if chatbotID == "" || workspaceID == "" {
			return conversation.Conversation{}, errs.Validationf("pipeline: unknown conversation %q and event carries no chatbot_id/workspace_id", key)
		}
		conv = conversation.Conversation{
			ID:          key,
			WorkspaceID: workspaceID,
			ChatbotID:   chatbotID,
			UserID:      ev.UserID,
			Status:      conversation.StatusAIHandling,
			CreatedAt:   now,
		}
	}

	switch ev.Name {
	case event.NameMessageCreated:
		conv.LastUserMessageAt = ev.OccurredAt
	case event.NameSentimentTrigger:
		if score, ok := asFloat(ev.Payload["score"]); ok {
			conv.LatestSentiment = score
			// Rolling average over a short window; a simple EWMA keeps it
			// storage-free.
			if conv.RollingSentiment == 0 {
				conv.RollingSentiment = score
			} else {
				conv.RollingSentiment = 0.7*conv.RollingSentiment + 0.3*score
			}
		}
	}
	conv.UpdatedAt = now

	if err := p.conversations.Save(ctx, conv); err != nil {
		return conversation.Conversation{}, err
	}
	return conv, nil
}

// snapshot is the flat view conditions evaluate against. Event payload keys
// win over conversation fields on collision: the event is fresher.
func (p *Pipeline) snapshot(conv conversation.Conversation, ev event.Event) map[string]any {
	out := map[string]any{
		"conversation_id":   conv.ID,
		"workspace_id":      conv.WorkspaceID,
		"chatbot_id":        conv.ChatbotID,
		"user_id":           conv.UserID,
		"status":            string(conv.Status),
		"sentiment":         conv.LatestSentiment,
		"rolling_sentiment": conv.RollingSentiment,
		"assigned_to":       conv.AssignedTo,
		"event":             string(ev.Name),
	}
	for k, v := range ev.Payload {
		out[k] = v
	}
	return out
}

func (p *Pipeline) signal(conv conversation.Conversation, ev event.Event, snapshot map[string]any) triage.Signal {
	sig := triage.Signal{
		ConversationID: conv.ID,
		WorkspaceID:    conv.WorkspaceID,
		Snapshot:       snapshot,
	}
	if ev.Name == event.NameSentimentTrigger {
		if score, ok := asFloat(ev.Payload["score"]); ok {
			sig.SentimentScore = &score
		}
	}
	if msg, ok := ev.Payload["message"].(string); ok {
		sig.Message = msg
	}
	if conv.Status == conversation.StatusAwaitingHumanResponse && !conv.LastUserMessageAt.IsZero() {
		sig.WaitingSince = conv.LastUserMessageAt
	}
	return sig
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
