package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/medfeedback/backend/internal/services"
	"github.com/medfeedback/backend/pkg/response"
)

type AnalyticsHandler struct {
	analyticsService *services.AnalyticsService
}

func NewAnalyticsHandler(analyticsService *services.AnalyticsService) *AnalyticsHandler {
	return &AnalyticsHandler{analyticsService: analyticsService}
}

// Summary GET /api/analytics/summary
func (h *AnalyticsHandler) Summary(c *gin.Context) {
	summary, err := h.analyticsService.Summary(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, summary)
}

// Trends GET /api/analytics/trends?days=30
func (h *AnalyticsHandler) Trends(c *gin.Context) {
	days, ok := queryInt(c, "days", services.DefaultTrendDays)
	if !ok {
		response.BadRequest(c, "days must be an integer")
		return
	}

	trends, err := h.analyticsService.Trends(c.Request.Context(), days)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, trends)
}
