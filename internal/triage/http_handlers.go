package triage

import (
	"net/http"
	"strconv"

	"chatdesk-core/internal/audit"
	"chatdesk-core/internal/auth"
	"chatdesk-core/internal/condition"
	"chatdesk-core/internal/errs"
	"chatdesk-core/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handlers groups the triage HTTP surface. Thin layer: parse, call the
// service, map errors to status codes.
type Handlers struct {
	Svc   *Service
	Rules RuleStore
	Audit *audit.Service
}

// auditRuleChange is best-effort; a failed audit write never fails the request.
func (h Handlers) auditRuleChange(c *gin.Context, workspaceID, ruleID, message string) {
	if h.Audit == nil {
		return
	}
	actor, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	if err := h.Audit.LogRuleChange(c.Request.Context(), workspaceID, actor, role, c.ClientIP(), ruleID, message); err != nil {
		logger.FromGin(c).Error("rule change audit failed", "rule_id", ruleID, "err", err)
	}
}

func statusFor(err error) int {
	switch errs.Classify(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (h Handlers) ListRules(c *gin.Context) {
	chatbotID := c.Query("chatbot_id")
	if chatbotID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "chatbot_id required"})
		return
	}
	rules, err := h.Rules.Load(c.Request.Context(), chatbotID)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if rules == nil {
		rules = []Rule{}
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (h Handlers) CreateRule(c *gin.Context) {
	log := logger.FromGin(c)

	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil || workspaceID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}

	var r Rule
	if err := c.ShouldBindJSON(&r); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.WorkspaceID = workspaceID

	if err := h.Rules.Save(c.Request.Context(), r); err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	log.Info("triage rule saved", "rule_id", r.ID, "trigger_type", r.TriggerType)
	h.auditRuleChange(c, workspaceID, r.ID, "rule created")
	c.JSON(http.StatusCreated, r)
}

// ruleUpdate carries the PATCH body. Pointer fields distinguish "not sent"
// from zero values, so a partial update never clobbers unrelated fields.
type ruleUpdate struct {
	Name                 *string        `json:"name"`
	IsActive             *bool          `json:"is_active"`
	Priority             *Priority      `json:"priority"`
	SentimentThreshold   *float64       `json:"sentiment_threshold"`
	Keywords             *[]string      `json:"keywords"`
	WaitThresholdMinutes *int           `json:"wait_threshold_minutes"`
	Conditions           *condition.Set `json:"conditions"`
	Actions              *RuleActions   `json:"actions"`
}

func (h Handlers) UpdateRule(c *gin.Context) {
	log := logger.FromGin(c)

	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil || workspaceID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}

	id := c.Param("id")
	r, err := h.Rules.Get(c.Request.Context(), id)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if r.WorkspaceID != workspaceID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "rule not found"})
		return
	}

	var upd ruleUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if upd.Name != nil {
		r.Name = *upd.Name
	}
	if upd.IsActive != nil {
		r.IsActive = *upd.IsActive
	}
	if upd.Priority != nil {
		r.Priority = *upd.Priority
	}
	if upd.SentimentThreshold != nil {
		r.SentimentThreshold = *upd.SentimentThreshold
	}
	if upd.Keywords != nil {
		r.Keywords = *upd.Keywords
	}
	if upd.WaitThresholdMinutes != nil {
		r.WaitThresholdMinutes = *upd.WaitThresholdMinutes
	}
	if upd.Conditions != nil {
		r.Conditions = *upd.Conditions
	}
	if upd.Actions != nil {
		r.Actions = *upd.Actions
	}

	if err := h.Rules.Save(c.Request.Context(), r); err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	log.Info("triage rule updated", "rule_id", r.ID)
	h.auditRuleChange(c, workspaceID, r.ID, "rule updated")
	c.JSON(http.StatusOK, r)
}

func (h Handlers) DeleteRule(c *gin.Context) {
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil || workspaceID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}

	id := c.Param("id")
	r, err := h.Rules.Get(c.Request.Context(), id)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if r.WorkspaceID != workspaceID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "rule not found"})
		return
	}
	if err := h.Rules.Delete(c.Request.Context(), id); err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	h.auditRuleChange(c, workspaceID, id, "rule deleted")
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (h Handlers) GetQueue(c *gin.Context) {
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil || workspaceID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be 1..500"})
			return
		}
		limit = n
	}

	entries, err := h.Svc.Peek(c.Request.Context(), workspaceID, limit)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []QueueEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"queue": entries})
}

func (h Handlers) ResolveQueueItem(c *gin.Context) {
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil || workspaceID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	conversationID := c.Param("conversation_id")
	if err := h.Svc.Resolve(c.Request.Context(), conversationID); err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": conversationID})
}

func (h Handlers) GetAnalytics(c *gin.Context) {
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil || workspaceID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	sum, err := h.Svc.QueueSummary(c.Request.Context(), workspaceID)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sum)
}
