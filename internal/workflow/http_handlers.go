package workflow

import (
	"context"
	"net/http"

	"chatdesk-core/internal/audit"
	"chatdesk-core/internal/auth"
	"chatdesk-core/internal/errs"
	"chatdesk-core/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// DefinitionSaver is the write side of a workflow definition store.
type DefinitionSaver interface {
	Save(ctx context.Context, def Definition) error
}

// Handlers groups the workflow HTTP surface: definition CRUD plus run
// inspection and cancellation.
type Handlers struct {
	Defs   Loader
	Saver  DefinitionSaver
	Runs   RunStore
	Engine *Engine
	Audit  *audit.Service
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

func (h Handlers) ListDefinitions(c *gin.Context) {
	chatbotID := c.Query("chatbot_id")
	if chatbotID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "chatbot_id required"})
		return
	}
	defs, err := h.Defs.Load(c.Request.Context(), chatbotID)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if defs == nil {
		defs = []Definition{}
	}
	c.JSON(http.StatusOK, gin.H{"workflows": defs})
}

func (h Handlers) SaveDefinition(c *gin.Context) {
	log := logger.FromGin(c)

	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil || workspaceID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}

	var def Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	def.WorkspaceID = workspaceID

	if err := h.Saver.Save(c.Request.Context(), def); err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	log.Info("workflow definition saved", "workflow_id", def.ID, "chatbot_id", def.ChatbotID)
	if h.Audit != nil {
		actor, _ := auth.UserID(c.Request.Context())
		role, _ := auth.Role(c.Request.Context())
		// Best-effort; a failed audit write never fails the request.
		if aerr := h.Audit.LogWorkflowChange(c.Request.Context(), workspaceID, actor, role, c.ClientIP(), def.ID, "definition saved"); aerr != nil {
			log.Error("workflow change audit failed", "workflow_id", def.ID, "err", aerr)
		}
	}
	c.JSON(http.StatusCreated, def)
}

func (h Handlers) GetRun(c *gin.Context) {
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil || workspaceID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	run, err := h.Runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if run.WorkspaceID != workspaceID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h Handlers) CancelRun(c *gin.Context) {
	log := logger.FromGin(c)

	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil || workspaceID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return
	}
	id := c.Param("id")
	run, err := h.Runs.Get(c.Request.Context(), id)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if run.WorkspaceID != workspaceID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err := h.Engine.Cancel(c.Request.Context(), id); err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	log.Info("workflow run canceled", "run_id", id)
	c.JSON(http.StatusOK, gin.H{"canceled": id})
}
