package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/medfeedback/backend/internal/models"
	"github.com/medfeedback/backend/internal/services"
	"gorm.io/gorm"
)

// HealthHandler reports the state of the pipeline's subsystems.
type HealthHandler struct {
	db    *gorm.DB
	hub   *services.EventHub
	queue services.TaskQueue
}

func NewHealthHandler(db *gorm.DB, hub *services.EventHub, queue services.TaskQueue) *HealthHandler {
	return &HealthHandler{db: db, hub: hub, queue: queue}
}

// CheckHealth GET /health
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbStatus := "ok"
	sqlDB, err := h.db.DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "error: " + err.Error()
	}
	if dbStatus != "ok" {
		overall = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	queueMode := "none"
	if h.queue != nil {
		queueMode = "in-process"
		if h.queue.IsAsync() {
			queueMode = "async (Redis)"
		}
	}

	var pendingCount int64
	if dbStatus == "ok" {
		h.db.WithContext(ctx).Model(&models.Feedback{}).
			Where("status = ?", models.StatusPendingAnalysis).
			Count(&pendingCount)
	}

	c.JSON(status, gin.H{
		"status":  overall,
		"service": "medfeedback",
		"components": gin.H{
			"database":         dbStatus,
			"queue_mode":       queueMode,
			"sse_clients":      h.hub.ClientCount(),
			"pending_analysis": pendingCount,
		},
	})
}
