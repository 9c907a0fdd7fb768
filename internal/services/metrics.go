package services

import (
	"sync"

	"github.com/medfeedback/backend/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

var (
	classifierAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medfeedback_classifier_attempts_total",
			Help: "Classifier calls by outcome (success, transient, permanent)",
		},
		[]string{"outcome"},
	)
	analysisOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medfeedback_analysis_runs_total",
			Help: "Analysis worker runs by outcome",
		},
		[]string{"outcome"},
	)
	eventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medfeedback_events_emitted_total",
			Help: "Notification events emitted by type",
		},
		[]string{"type"},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "medfeedback_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		},
	)

	gaugesOnce sync.Once
)

// Analysis worker outcomes.
const (
	outcomeReviewed     = "reviewed"
	outcomeFailed       = "analysis_failed"
	outcomeAlreadyDone  = "already_analyzed"
	outcomeTerminal     = "already_terminal"
	outcomeMissing      = "missing"
	outcomeStorageError = "storage_error"
	outcomePanic        = "panic"
	outcomeInterrupted  = "interrupted"
)

func init() {
	prometheus.MustRegister(classifierAttempts, analysisOutcomes, eventsEmitted, eventsDropped)
}

// RegisterGauges exposes live state read at scrape time. Safe to call
// more than once; only the first call registers.
func RegisterGauges(db *gorm.DB, hub *EventHub, queue TaskQueue) {
	gaugesOnce.Do(func() {
		prometheus.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "medfeedback_feedback_pending",
				Help: "Feedback records still waiting for analysis",
			}, func() float64 {
				var n int64
				db.Model(&models.Feedback{}).Where("status = ?", models.StatusPendingAnalysis).Count(&n)
				return float64(n)
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "medfeedback_sse_active_clients",
				Help: "Connected event stream subscribers",
			}, func() float64 {
				return float64(hub.ClientCount())
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "medfeedback_queue_async_enabled",
				Help: "1 when analysis tasks go through Redis, 0 for in-process",
			}, func() float64 {
				if queue != nil && queue.IsAsync() {
					return 1
				}
				return 0
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "medfeedback_db_in_use_connections",
				Help: "Database connections currently in use",
			}, func() float64 {
				sqlDB, err := db.DB()
				if err != nil {
					return 0
				}
				return float64(sqlDB.Stats().InUse)
			}),
		)
	})
}
