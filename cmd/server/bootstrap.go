package main

import (
	"context"
	"time"

	"github.com/medfeedback/backend/internal/config"
	"github.com/medfeedback/backend/internal/handlers"
	"github.com/medfeedback/backend/internal/models"
	"github.com/medfeedback/backend/internal/services"
	"github.com/medfeedback/backend/internal/utils"
	"github.com/medfeedback/backend/pkg/logger"
)

const queueDrainTimeout = 30 * time.Second

// appServices holds all initialized services and handlers needed by the application.
type appServices struct {
	cfg            *config.Config
	taskQueue      services.TaskQueue
	worker         *services.Worker
	reprocessor    *services.ReprocessScheduler
	redisPublisher *services.RedisEventPublisher

	authHandler      *handlers.AuthHandler
	feedbackHandler  *handlers.FeedbackHandler
	analyticsHandler *handlers.AnalyticsHandler
	sseHandler       *handlers.SSEHandler
	healthHandler    *handlers.HealthHandler
}

// bootstrap initializes all application dependencies: database, classifier,
// task queue, schedulers.
func bootstrap(cfg *config.Config) *appServices {
	utils.SetJWTSecret(cfg.JWT.Secret)

	// Initialize database
	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	db := models.GetDB()

	// Auto migrate database
	if err := models.AutoMigrate(db); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	// Create default admin user
	authService := services.NewAuthService(db, &cfg.JWT)
	if err := authService.EnsureAdmin(context.Background(), &cfg.Admin); err != nil {
		logger.Warn().Err(err).Msg("Failed to create admin user")
	}

	classifier := services.NewAIClassifier(cfg.Classifier)
	if !classifier.Configured() {
		// Records still get stored; every run ends in analysis_failed.
		logger.Warn().Str("provider", classifier.Provider()).Msg("Classifier is not configured")
	}
	retry := services.NewRetryController(classifier, cfg.Analysis.MaxBackoff)

	hub := services.GetEventHub()
	emitter := services.MultiEmitter{hub}
	var redisPublisher *services.RedisEventPublisher
	if cfg.Redis.Enabled {
		publisher, err := services.NewRedisEventPublisher(&cfg.Redis)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis event channel unavailable, events stay in-process")
		} else {
			redisPublisher = publisher
			emitter = append(emitter, publisher)
		}
	}

	analysisWorker := services.NewAnalysisWorker(db, retry, emitter, cfg.Analysis.MaxAttempts)

	// Initialize task queue (uses Redis if enabled, otherwise in-process goroutines)
	taskQueue := services.InitTaskQueue(cfg, analysisWorker.ProcessTask)

	// Start async worker when tasks actually go through Redis
	var worker *services.Worker
	if taskQueue.IsAsync() {
		worker = services.NewWorker(cfg, analysisWorker.ProcessTask)
		if worker != nil {
			if err := worker.Start(); err != nil {
				logger.Fatalf("Failed to start analysis worker: %v", err)
			}
		}
	}

	reprocessor := services.NewReprocessScheduler(db, taskQueue, &cfg.Analysis)
	if err := reprocessor.Start(); err != nil {
		logger.Fatalf("Failed to start reprocess scheduler: %v", err)
	}

	services.RegisterGauges(db, hub, taskQueue)

	return &appServices{
		cfg:            cfg,
		taskQueue:      taskQueue,
		worker:         worker,
		reprocessor:    reprocessor,
		redisPublisher: redisPublisher,

		authHandler: handlers.NewAuthHandler(authService),
		feedbackHandler: handlers.NewFeedbackHandler(
			services.NewFeedbackService(db, taskQueue),
			services.NewFeedbackQueryService(db),
		),
		analyticsHandler: handlers.NewAnalyticsHandler(services.NewAnalyticsService(db)),
		sseHandler:       handlers.NewSSEHandler(hub),
		healthHandler:    handlers.NewHealthHandler(db, hub, taskQueue),
	}
}

// shutdown gracefully stops all services. In-flight in-process analyses
// get queueDrainTimeout to finish; anything left stays pending for the
// next sweep.
func (s *appServices) shutdown() {
	s.reprocessor.Stop()
	logger.Info().Msg("Reprocess scheduler stopped")

	if s.worker != nil {
		s.worker.Stop()
	}
	if s.taskQueue != nil {
		if q, ok := s.taskQueue.(*services.GoroutineQueue); ok {
			ctx, cancel := context.WithTimeout(context.Background(), queueDrainTimeout)
			if err := q.Shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("In-process analyses did not finish before shutdown")
			}
			cancel()
		} else {
			s.taskQueue.Close()
		}
	}
	if s.redisPublisher != nil {
		s.redisPublisher.Close()
	}
}
