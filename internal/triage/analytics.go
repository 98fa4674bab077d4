package triage

import (
	"context"
	"strings"
)

// QueueSummary aggregates the current state of a workspace's triage queue.
type QueueSummary struct {
	WorkspaceID string `json:"workspace_id"`

	Total      int              `json:"total"`
	ByPriority map[Priority]int `json:"by_priority"`
	ByReason   map[string]int   `json:"by_reason"`

	AverageWaitMinutes int `json:"average_wait_minutes"`
	LongestWaitMinutes int `json:"longest_wait_minutes"`
}

// QueueSummary computes aggregates over the live queue. Wait times are
// derived from CreatedAt at call time.
func (s *Service) QueueSummary(ctx context.Context, workspaceID string) (QueueSummary, error) {
	items, err := s.queue.List(ctx, workspaceID)
	if err != nil {
		return QueueSummary{}, err
	}

	out := QueueSummary{
		WorkspaceID: workspaceID,
		ByPriority:  map[Priority]int{},
		ByReason:    map[string]int{},
	}
	now := s.clock().UTC()
	totalWait := 0
	for _, item := range items {
		out.Total++
		out.ByPriority[item.Priority]++
		out.ByReason[reasonClass(item.EscalationReason)]++

		wait := int(now.Sub(item.CreatedAt).Minutes())
		totalWait += wait
		if wait > out.LongestWaitMinutes {
			out.LongestWaitMinutes = wait
		}
	}
	if out.Total > 0 {
		out.AverageWaitMinutes = totalWait / out.Total
	}
	return out, nil
}

// reasonClass strips the per-fire detail from an escalation reason, so
// "keyword_match:refund" and "keyword_match:angry" aggregate together.
func reasonClass(reason string) string {
	if i := strings.IndexByte(reason, ':'); i > 0 {
		return reason[:i]
	}
	if reason == "" {
		return "unknown"
	}
	return reason
}
