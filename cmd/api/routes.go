package main

import (
	"database/sql"
	"net/http"
	"time"

	"chatdesk-core/internal/auth"
	"chatdesk-core/internal/event"
	"chatdesk-core/internal/rbac"
	"chatdesk-core/internal/triage"
	"chatdesk-core/internal/workflow"
	"chatdesk-core/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type routeDeps struct {
	authMW   gin.HandlerFunc
	gateway  *event.Gateway
	ingestor event.Ingestor
	triage   triage.Handlers
	workflow workflow.Handlers

	db    *sql.DB
	redis *redis.Client
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, deps routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if deps.db != nil {
			if err := utils.HealthCheck(c.Request.Context(), deps.db, 2*time.Second); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": "down"})
				return
			}
		}
		if deps.redis != nil {
			if err := deps.redis.Ping(c.Request.Context()).Err(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": "down"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Widget event ingest (public, x-api-key authenticated by the gateway).
	ingest := event.IngestHandler{Gateway: deps.gateway, Ingestor: deps.ingestor}
	r.POST("/events", ingest.HandleIngest)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(deps.authMW)
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			wid, _ := auth.WorkspaceID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(http.StatusOK, gin.H{"user_id": uid, "workspace_id": wid, "role": role})
		})

		// TRIAGE: rules are admin-managed, the queue is the agents' inbox.
		// The flat form GET /triage?type=rules|queue|analytics selects the
		// resource and keeps each type's role gate; PATCH and DELETE on
		// /triage/:id address rules. The nested groups below serve the same
		// handlers for clients that prefer resource paths.
		rulesGate := rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAdmin, rbac.RoleSuperAdmin)
		queueGate := rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAdmin, rbac.RoleAgent, rbac.RoleSuperAdmin)
		analyticsGate := rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAdmin, rbac.RoleAnalyst, rbac.RoleSuperAdmin)

		tri := v1.Group("/triage")
		tri.Use(rbac.RequireWorkspace())
		{
			tri.GET("", func(c *gin.Context) {
				switch c.Query("type") {
				case "rules":
					rulesGate(c)
					if !c.IsAborted() {
						deps.triage.ListRules(c)
					}
				case "queue":
					queueGate(c)
					if !c.IsAborted() {
						deps.triage.GetQueue(c)
					}
				case "analytics":
					analyticsGate(c)
					if !c.IsAborted() {
						deps.triage.GetAnalytics(c)
					}
				default:
					c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "type must be rules, queue or analytics"})
				}
			})
			tri.PATCH("/:id", rulesGate, deps.triage.UpdateRule)
			tri.DELETE("/:id", rulesGate, deps.triage.DeleteRule)
		}

		rules := v1.Group("/triage/rules")
		rules.Use(rbac.RequireWorkspace())
		rules.Use(rulesGate)
		{
			rules.GET("", deps.triage.ListRules)
			rules.POST("", deps.triage.CreateRule)
			rules.PATCH("/:id", deps.triage.UpdateRule)
			rules.DELETE("/:id", deps.triage.DeleteRule)
		}

		queue := v1.Group("/triage/queue")
		queue.Use(rbac.RequireWorkspace())
		queue.Use(queueGate)
		{
			queue.GET("", deps.triage.GetQueue)
			queue.DELETE("/:conversation_id", deps.triage.ResolveQueueItem)
		}

		analytics := v1.Group("/triage/analytics")
		analytics.Use(rbac.RequireWorkspace())
		analytics.Use(analyticsGate)
		{
			analytics.GET("", deps.triage.GetAnalytics)
		}

		// WORKFLOWS: definition management and run inspection.
		workflows := v1.Group("/workflows")
		workflows.Use(rbac.RequireWorkspace())
		workflows.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAdmin, rbac.RoleSuperAdmin))
		{
			workflows.GET("", deps.workflow.ListDefinitions)
			workflows.POST("", deps.workflow.SaveDefinition)
			workflows.GET("/runs/:id", deps.workflow.GetRun)
			workflows.POST("/runs/:id/cancel", deps.workflow.CancelRun)
		}
	}
}
