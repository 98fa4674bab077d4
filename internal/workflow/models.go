package workflow

import (
	"time"

	"chatdesk-core/internal/condition"
	"chatdesk-core/internal/errs"
	"chatdesk-core/internal/event"
)

// Definition is an operator-authored automation workflow for one chatbot.
// Definitions are validated before any run starts; a malformed definition
// never reaches execution.
type Definition struct {
	ID          string     `json:"id" db:"id"`
	WorkspaceID string     `json:"workspace_id" db:"workspace_id"`
	ChatbotID   string     `json:"chatbot_id" db:"chatbot_id"`
	Name        string     `json:"name" db:"name"`
	Trigger     event.Name `json:"trigger" db:"trigger"`
	EntryNodeID string     `json:"entry_node_id" db:"entry_node_id"`
	Nodes       []Node     `json:"nodes" db:"nodes"`
	IsActive    bool       `json:"is_active" db:"is_active"`
}

type NodeType string

const (
	NodeConditional NodeType = "conditional"
	NodeDelay       NodeType = "delay"
	NodeAction      NodeType = "action"
	NodeTerminal    NodeType = "terminal"
)

type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`

	// Branches apply to conditional nodes only, evaluated in declared order.
	Branches []Branch `json:"branches,omitempty"`

	// Delay applies to delay nodes only.
	Delay *DelaySpec `json:"delay,omitempty"`

	// Action applies to action nodes only.
	Action *ActionSpec `json:"action,omitempty"`

	// NextNodeID is the follow-on node for delay and action nodes.
	// Empty means the run completes after this node.
	NextNodeID string `json:"next_node_id,omitempty"`
}

// Branch routes a conditional node. A branch with an empty condition set is
// the default/else branch, taken only when no other branch matches.
type Branch struct {
	ID           string        `json:"id"`
	ConditionSet condition.Set `json:"condition_set"`
	TargetNodeID string        `json:"target_node_id"`
}

func (b Branch) IsDefault() bool { return b.ConditionSet.Empty() }

// ActionSpec is a side effect request. The engine never executes actions
// itself; it emits them for the dispatcher.
type ActionSpec struct {
	Type   ActionType     `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

type ActionType string

const (
	ActionChangeStatus ActionType = "change_status"
	ActionNotify       ActionType = "notify"
	ActionAddNote      ActionType = "add_note"
	ActionExternalCall ActionType = "external_call"
	ActionAssignAB     ActionType = "assign_ab_variant"
)

// RunState is the workflow run state machine:
// Pending -> Evaluating -> {Branched, Scheduled, Completed, Failed}.
// Scheduled runs are re-entered by the sweep; Canceled is reachable from any
// non-terminal state via cooperative cancellation.
type RunState string

const (
	RunPending    RunState = "pending"
	RunEvaluating RunState = "evaluating"
	RunBranched   RunState = "branched"
	RunScheduled  RunState = "scheduled"
	RunCompleted  RunState = "completed"
	RunFailed     RunState = "failed"
	RunCanceled   RunState = "canceled"
)

func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCanceled
}

const FailReasonNoMatchingBranch = "no_matching_branch"

// Run is one execution of a definition against a conversation.
type Run struct {
	ID             string   `json:"id" db:"id"`
	WorkflowID     string   `json:"workflow_id" db:"workflow_id"`
	WorkspaceID    string   `json:"workspace_id" db:"workspace_id"`
	ChatbotID      string   `json:"chatbot_id" db:"chatbot_id"`
	ConversationID string   `json:"conversation_id" db:"conversation_id"`
	EventID        string   `json:"event_id" db:"event_id"`
	State          RunState `json:"state" db:"state"`

	// Retries counts sweep-driven re-attempts after retryable runtime
	// failures.
	Retries int `json:"retries,omitempty" db:"retries"`

	// CurrentNodeID is the node to execute next when the run resumes.
	CurrentNodeID string `json:"current_node_id,omitempty" db:"current_node_id"`

	// FireAt is set while Scheduled; the sweep resumes runs whose FireAt has
	// passed. Persisted so a crash between scheduled and fired loses nothing.
	FireAt time.Time `json:"fire_at,omitempty" db:"fire_at"`

	FailReason string `json:"fail_reason,omitempty" db:"fail_reason"`

	// Snapshot captured at trigger time, re-used when the run resumes.
	Snapshot map[string]any `json:"snapshot,omitempty" db:"snapshot"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Result is emitted when a run reaches a terminal node.
type Result struct {
	RunID          string    `json:"run_id"`
	WorkflowID     string    `json:"workflow_id"`
	ConversationID string    `json:"conversation_id"`
	State          RunState  `json:"state"`
	CompletedAt    time.Time `json:"completed_at"`
}

const (
	maxConditionsPerSet = 10
	maxBranches         = 8
	minBranches         = 2
)

// Validate enforces definition limits before a run can start.
// Errors here surface synchronously to the caller and are never retried.
func (d Definition) Validate() error {
	if d.ID == "" || d.ChatbotID == "" {
		return errs.Validation("workflow: id and chatbot_id are required")
	}
	if !event.KnownName(d.Trigger) {
		return errs.Validationf("workflow %s: unknown trigger %q", d.ID, d.Trigger)
	}
	if d.EntryNodeID == "" || len(d.Nodes) == 0 {
		return errs.Validationf("workflow %s: entry node and nodes are required", d.ID)
	}

	byID := make(map[string]Node, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return errs.Validationf("workflow %s: node id is required", d.ID)
		}
		if _, dup := byID[n.ID]; dup {
			return errs.Validationf("workflow %s: duplicate node id %q", d.ID, n.ID)
		}
		byID[n.ID] = n
	}
	if _, ok := byID[d.EntryNodeID]; !ok {
		return errs.Validationf("workflow %s: entry node %q not found", d.ID, d.EntryNodeID)
	}

	for _, n := range d.Nodes {
		if err := d.validateNode(n, byID); err != nil {
			return err
		}
	}
	return nil
}

func (d Definition) validateNode(n Node, byID map[string]Node) error {
	switch n.Type {
	case NodeConditional:
		if len(n.Branches) < minBranches || len(n.Branches) > maxBranches {
			return errs.Validationf("workflow %s node %s: branch count must be %d-%d, got %d", d.ID, n.ID, minBranches, maxBranches, len(n.Branches))
		}
		defaults := 0
		for _, b := range n.Branches {
			if b.TargetNodeID == "" {
				return errs.Validationf("workflow %s node %s: branch %s missing target", d.ID, n.ID, b.ID)
			}
			if _, ok := byID[b.TargetNodeID]; !ok {
				return errs.Validationf("workflow %s node %s: branch target %q not found", d.ID, n.ID, b.TargetNodeID)
			}
			if b.IsDefault() {
				defaults++
				continue
			}
			if len(b.ConditionSet.Conditions) > maxConditionsPerSet {
				return errs.Validationf("workflow %s node %s: branch %s exceeds %d conditions", d.ID, n.ID, b.ID, maxConditionsPerSet)
			}
			if err := b.ConditionSet.Validate(); err != nil {
				return errs.E(errs.KindValidation, "workflow "+d.ID+" node "+n.ID, err)
			}
		}
		if defaults != 1 {
			return errs.Validationf("workflow %s node %s: exactly one default branch required, got %d", d.ID, n.ID, defaults)
		}
	case NodeDelay:
		if n.Delay == nil {
			return errs.Validationf("workflow %s node %s: delay spec is required", d.ID, n.ID)
		}
		if err := n.Delay.Validate(); err != nil {
			return err
		}
		if err := d.checkNext(n, byID); err != nil {
			return err
		}
	case NodeAction:
		if n.Action == nil || n.Action.Type == "" {
			return errs.Validationf("workflow %s node %s: action spec is required", d.ID, n.ID)
		}
		if err := d.checkNext(n, byID); err != nil {
			return err
		}
	case NodeTerminal:
		// nothing to check
	default:
		return errs.Validationf("workflow %s node %s: unknown node type %q", d.ID, n.ID, n.Type)
	}
	return nil
}

func (d Definition) checkNext(n Node, byID map[string]Node) error {
	if n.NextNodeID == "" {
		return nil
	}
	if _, ok := byID[n.NextNodeID]; !ok {
		return errs.Validationf("workflow %s node %s: next node %q not found", d.ID, n.ID, n.NextNodeID)
	}
	return nil
}

func (d Definition) node(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
