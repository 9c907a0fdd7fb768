package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medfeedback/backend/internal/config"
	"github.com/medfeedback/backend/internal/models"
	"github.com/medfeedback/backend/pkg/logger"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

const reprocessBatchSize = 200

// ReprocessScheduler periodically re-dispatches records that have been
// pending_analysis for longer than StaleAfter. Repeated dispatches of the
// same id are safe, the worker skips records that already have an outcome.
type ReprocessScheduler struct {
	db         *gorm.DB
	queue      TaskQueue
	schedule   string
	staleAfter time.Duration
	now        func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

func NewReprocessScheduler(db *gorm.DB, queue TaskQueue, cfg *config.AnalysisConfig) *ReprocessScheduler {
	return &ReprocessScheduler{
		db:         db,
		queue:      queue,
		schedule:   cfg.ReprocessSchedule,
		staleAfter: cfg.StaleAfter,
		now:        time.Now,
	}
}

// Start registers the sweep. An empty schedule disables it.
func (s *ReprocessScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.schedule == "" {
		logger.Infof("[Reprocess] No schedule configured, sweep disabled")
		return nil
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, s.runScheduled); err != nil {
		return fmt.Errorf("invalid reprocess schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.running = true

	logger.Infof("[Reprocess] Sweep scheduled (cron: %s, stale after %s)", s.schedule, s.staleAfter)
	return nil
}

func (s *ReprocessScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
}

func (s *ReprocessScheduler) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := s.Sweep(ctx); err != nil {
		logger.Error().Err(err).Msg("[Reprocess] sweep failed")
	}
}

// Sweep dispatches every stale pending record, oldest first, and returns
// how many were handed to the queue.
func (s *ReprocessScheduler) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.staleAfter)

	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Feedback{}).
		Where("status = ? AND created_at < ?", models.StatusPendingAnalysis, cutoff).
		Order("created_at ASC").
		Limit(reprocessBatchSize).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("find stale feedback: %w", err)
	}

	dispatched := 0
	for _, id := range ids {
		if err := s.queue.Dispatch(id); err != nil {
			logger.Warn().Err(err).Str("feedback_id", id).Msg("[Reprocess] dispatch failed")
			continue
		}
		dispatched++
	}

	if len(ids) > 0 {
		logger.Info().Int("stale", len(ids)).Int("dispatched", dispatched).Msg("[Reprocess] sweep finished")
	}
	return dispatched, nil
}
