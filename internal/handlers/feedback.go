package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/medfeedback/backend/internal/services"
	"github.com/medfeedback/backend/pkg/response"
)

type FeedbackHandler struct {
	feedbackService *services.FeedbackService
	queryService    *services.FeedbackQueryService
}

func NewFeedbackHandler(feedbackService *services.FeedbackService, queryService *services.FeedbackQueryService) *FeedbackHandler {
	return &FeedbackHandler{
		feedbackService: feedbackService,
		queryService:    queryService,
	}
}

// Create stores a new feedback record and answers before analysis runs.
// POST /api/feedback
func (h *FeedbackHandler) Create(c *gin.Context) {
	var req services.CreateFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}

	fb, err := h.feedbackService.Create(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Created(c, fb)
}

// List returns one filtered page, newest first.
// GET /api/feedback?department=&status=&urgency=&sentiment=&limit=&offset=
func (h *FeedbackHandler) List(c *gin.Context) {
	var filter services.FeedbackFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, "invalid query parameters")
		return
	}

	limit, ok := queryInt(c, "limit", services.DefaultPageLimit)
	if !ok {
		response.BadRequest(c, "limit must be an integer")
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		response.BadRequest(c, "offset must be an integer")
		return
	}

	page, err := h.queryService.Query(c.Request.Context(), filter, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Page(c, page.Items, page.Total, page.Limit, page.Offset)
}

// GetByID GET /api/feedback/:id
func (h *FeedbackHandler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid feedback id")
		return
	}

	fb, err := h.queryService.GetByID(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, fb)
}

// Reprocess re-dispatches a record stuck in pending_analysis.
// POST /api/feedback/:id/reprocess
func (h *FeedbackHandler) Reprocess(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid feedback id")
		return
	}

	fb, err := h.feedbackService.Reprocess(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Accepted(c, fb)
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
