package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/medfeedback/backend/internal/services"
	"github.com/medfeedback/backend/pkg/logger"
	"github.com/medfeedback/backend/pkg/response"
)

// writeError maps service errors onto the response envelope. Unknown
// errors are logged and answered as an opaque 500.
func writeError(c *gin.Context, err error) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		response.Error(c, response.NewValidation(verr.Error(), verr.Fields))
	case errors.Is(err, services.ErrFeedbackNotFound):
		response.Error(c, response.NewNotFound("feedback not found"))
	case errors.Is(err, services.ErrNotReprocessable), errors.Is(err, services.ErrUsernameTaken):
		response.Error(c, response.NewConflict(err.Error()))
	case errors.Is(err, services.ErrInvalidCredentials), errors.Is(err, services.ErrUserDisabled):
		response.Error(c, response.NewUnauthorized(err.Error()))
	default:
		logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		response.Error(c, err)
	}
}
