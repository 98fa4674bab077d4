package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatdesk-core/internal/auth"
	"chatdesk-core/internal/condition"
	"chatdesk-core/internal/dispatch"
	"chatdesk-core/internal/triage"

	"github.com/gin-gonic/gin"
)

type discardEnqueuer struct{}

func (discardEnqueuer) Enqueue(ctx context.Context, t dispatch.Task) (string, error) {
	return "task-" + t.IdempotencyKey, nil
}

// testRouter builds the full route table with in-memory triage stores and an
// auth middleware that stamps a fixed identity onto every request.
func testRouter(t *testing.T, role string) (*gin.Engine, *triage.MemoryRuleStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rules := triage.NewMemoryRuleStore()
	queue := triage.NewMemoryQueueStore()
	svc := triage.NewService(rules, queue, condition.NewEvaluator(), discardEnqueuer{}, triage.SentimentThresholds{}, nil)

	authMW := func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), "u1", "ws1", role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}

	r := gin.New()
	registerRoutes(r, routeDeps{
		authMW: authMW,
		triage: triage.Handlers{Svc: svc, Rules: rules},
	})
	return r, rules
}

func do(r *gin.Engine, method, target, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func seedRule(t *testing.T, rules *triage.MemoryRuleStore) {
	t.Helper()
	err := rules.Save(context.Background(), triage.Rule{
		ID:          "r1",
		ChatbotID:   "bot-1",
		WorkspaceID: "ws1",
		Name:        "refund watch",
		IsActive:    true,
		Priority:    triage.PriorityHigh,
		TriggerType: triage.TriggerKeywords,
		Keywords:    []string{"refund"},
	})
	if err != nil {
		t.Fatalf("seed rule: %v", err)
	}
}

func TestTriageGetDispatchesOnType(t *testing.T) {
	r, rules := testRouter(t, "admin")
	seedRule(t, rules)

	w := do(r, http.MethodGet, "/v1/triage?type=rules&chatbot_id=bot-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("type=rules: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"r1"`) {
		t.Fatalf("rules listing must include the seeded rule: %s", w.Body.String())
	}

	if w := do(r, http.MethodGet, "/v1/triage?type=queue", ""); w.Code != http.StatusOK {
		t.Fatalf("type=queue: expected 200, got %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/v1/triage?type=analytics", ""); w.Code != http.StatusOK {
		t.Fatalf("type=analytics: expected 200, got %d", w.Code)
	}

	if w := do(r, http.MethodGet, "/v1/triage?type=bogus", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown type: expected 400, got %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/v1/triage", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("missing type: expected 400, got %d", w.Code)
	}
}

func TestTriageGetKeepsPerTypeRoleGates(t *testing.T) {
	agent, _ := testRouter(t, "agent")
	if w := do(agent, http.MethodGet, "/v1/triage?type=queue", ""); w.Code != http.StatusOK {
		t.Fatalf("agent reading queue: expected 200, got %d", w.Code)
	}
	if w := do(agent, http.MethodGet, "/v1/triage?type=rules&chatbot_id=b", ""); w.Code != http.StatusForbidden {
		t.Fatalf("agent reading rules: expected 403, got %d", w.Code)
	}
	if w := do(agent, http.MethodGet, "/v1/triage?type=analytics", ""); w.Code != http.StatusForbidden {
		t.Fatalf("agent reading analytics: expected 403, got %d", w.Code)
	}

	analyst, _ := testRouter(t, "analyst")
	if w := do(analyst, http.MethodGet, "/v1/triage?type=analytics", ""); w.Code != http.StatusOK {
		t.Fatalf("analyst reading analytics: expected 200, got %d", w.Code)
	}
	if w := do(analyst, http.MethodGet, "/v1/triage?type=queue", ""); w.Code != http.StatusForbidden {
		t.Fatalf("analyst reading queue: expected 403, got %d", w.Code)
	}
}

func TestTriagePatchAndDeleteByID(t *testing.T) {
	r, rules := testRouter(t, "admin")
	seedRule(t, rules)

	w := do(r, http.MethodPatch, "/v1/triage/r1", `{"name":"renamed"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	got, err := rules.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("rule vanished after patch: %v", err)
	}
	if got.Name != "renamed" {
		t.Fatalf("patch did not apply, name is %q", got.Name)
	}

	if w := do(r, http.MethodDelete, "/v1/triage/r1", ""); w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", w.Code)
	}
	if _, err := rules.Get(context.Background(), "r1"); err == nil {
		t.Fatalf("rule must be gone after delete")
	}

	// The nested rule path stays mounted and addresses the same store.
	seedRule(t, rules)
	if w := do(r, http.MethodDelete, "/v1/triage/rules/r1", ""); w.Code != http.StatusOK {
		t.Fatalf("nested delete: expected 200, got %d", w.Code)
	}
}

func TestTriageMutationsByIDAreAdminGated(t *testing.T) {
	r, rules := testRouter(t, "agent")
	seedRule(t, rules)

	if w := do(r, http.MethodPatch, "/v1/triage/r1", `{"name":"x"}`); w.Code != http.StatusForbidden {
		t.Fatalf("agent patch: expected 403, got %d", w.Code)
	}
	if w := do(r, http.MethodDelete, "/v1/triage/r1", ""); w.Code != http.StatusForbidden {
		t.Fatalf("agent delete: expected 403, got %d", w.Code)
	}
}
