package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/medfeedback/backend/internal/config"
	"github.com/medfeedback/backend/pkg/logger"
)

// Worker consumes analysis tasks from Redis.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor TaskProcessor
	running   bool
	mu        sync.Mutex
}

// NewWorker returns nil when Redis is disabled.
func NewWorker(cfg *config.Config, processor TaskProcessor) *Worker {
	if !cfg.Redis.Enabled {
		return nil
	}

	server := asynq.NewServer(
		redisClientOpt(&cfg.Redis),
		asynq.Config{
			Concurrency: cfg.Analysis.Concurrency,
			Queues: map[string]int{
				analysisQueue: 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Warn().Err(err).Str("task", task.Type()).Int("retried", retried).Int("max_retry", maxRetry).
					Msg("[Worker] task failed")
			}),
		},
	)

	return &Worker{
		server:    server,
		mux:       asynq.NewServeMux(),
		processor: processor,
	}
}

func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.mux.HandleFunc(TaskTypeAnalysis, w.handleAnalysisTask)
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}

	w.running = true
	logger.Infof("[Worker] Async analysis worker started")
	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	logger.Infof("[Worker] Shutting down...")
	w.server.Shutdown()
	w.running = false
	logger.Infof("[Worker] Shutdown complete")
}

func (w *Worker) handleAnalysisTask(ctx context.Context, t *asynq.Task) error {
	task, err := decodeAnalysisTask(t.Payload())
	if err != nil {
		logger.Errorf("[Worker] Dropping malformed task: %v", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if w.processor == nil {
		logger.Warnf("[Worker] no processor set")
		return nil
	}
	return w.processor(ctx, task.FeedbackID)
}

func decodeAnalysisTask(payload []byte) (*AnalysisTask, error) {
	var task AnalysisTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, fmt.Errorf("unmarshal analysis task: %w", err)
	}
	if task.FeedbackID == "" {
		return nil, fmt.Errorf("analysis task without feedback_id")
	}
	return &task, nil
}
