package event

import (
	"context"
	"net/http"

	"chatdesk-core/internal/errs"
	"chatdesk-core/pkg/logger"

	"github.com/gin-gonic/gin"
)

const headerAPIKey = "x-api-key"

// Ingestor receives accepted events. The pipeline implements this; the
// handler stays free of processing logic.
type Ingestor interface {
	Ingest(ctx context.Context, ev Event) error
}

// IngestHandler is the HTTP boundary for POST /events.
//
// Responses:
// - 200 {success, eventId} on acceptance
// - 400 on structural validation failure
// - 401 on auth failure
type IngestHandler struct {
	Gateway  *Gateway
	Ingestor Ingestor
}

func (h IngestHandler) HandleIngest(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Gateway == nil || h.Ingestor == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event gateway not configured"})
		return
	}

	if err := h.Gateway.Authenticate(c.GetHeader(headerAPIKey)); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}

	var raw Raw
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}

	ev, err := h.Gateway.Accept(raw)
	if err != nil {
		if errs.Classify(err) == errs.KindValidation {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error("event accept failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event rejected"})
		return
	}

	if err := h.Ingestor.Ingest(c.Request.Context(), ev); err != nil {
		log.Error("event ingest failed", "event_id", ev.ID, "name", ev.Name, "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "ingestion unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "eventId": ev.ID})
}
