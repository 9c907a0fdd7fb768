package main

import (
	"github.com/gin-gonic/gin"
	"github.com/medfeedback/backend/internal/handlers"
	"github.com/medfeedback/backend/internal/middleware"
	"github.com/medfeedback/backend/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine. The
// returned limiter must be closed on shutdown.
func registerRoutes(r *gin.Engine, svc *appServices) *middleware.RateLimiter {
	// Middleware
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS(svc.cfg.Server.AllowedOrigins))

	// Rate limiter for the public submission route
	ingestLimiter := middleware.NewRateLimiter(svc.cfg.Server.IngestRateLimit, svc.cfg.Server.IngestBurst)

	r.GET("/health", svc.healthHandler.CheckHealth)
	r.GET("/metrics", handlers.Metrics())

	api := r.Group("/api")
	{
		// Public
		api.POST("/feedback", ingestLimiter.Middleware(), svc.feedbackHandler.Create)
		api.POST("/auth/login", svc.authHandler.Login)

		// Staff
		protected := api.Group("")
		protected.Use(middleware.AuthRequired(), middleware.StaffRequired())
		{
			protected.GET("/auth/me", svc.authHandler.GetCurrentUser)

			protected.GET("/feedback", svc.feedbackHandler.List)
			protected.GET("/feedback/:id", svc.feedbackHandler.GetByID)
			protected.POST("/feedback/:id/reprocess", svc.feedbackHandler.Reprocess)

			protected.GET("/analytics/summary", svc.analyticsHandler.Summary)
			protected.GET("/analytics/trends", svc.analyticsHandler.Trends)

			// EventSource cannot set headers; AuthRequired also accepts ?token=
			protected.GET("/events", svc.sseHandler.StreamEvents)
		}

		// Admin
		admin := api.Group("")
		admin.Use(middleware.AuthRequired(), middleware.AdminRequired())
		{
			admin.POST("/auth/register", svc.authHandler.Register)
		}
	}

	return ingestLimiter
}
