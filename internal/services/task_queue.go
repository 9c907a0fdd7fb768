package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/medfeedback/backend/internal/config"
	"github.com/medfeedback/backend/pkg/logger"
)

const (
	TaskTypeAnalysis = "analysis:run"
	analysisQueue    = "analysis"
)

var ErrQueueClosed = errors.New("task queue closed")

// AnalysisTask is the only thing handed across the dispatch boundary.
type AnalysisTask struct {
	FeedbackID string `json:"feedback_id"`
}

// TaskProcessor runs one analysis. A returned error asks for redelivery.
type TaskProcessor func(ctx context.Context, feedbackID string) error

// TaskQueue schedules analysis runs. Dispatch never waits for the run.
type TaskQueue interface {
	Dispatch(feedbackID string) error
	IsAsync() bool
	Close() error
}

var (
	globalTaskQueue TaskQueue
	taskQueueOnce   sync.Once
)

// InitTaskQueue picks asynq when Redis is enabled and reachable, the
// in-process queue otherwise.
func InitTaskQueue(cfg *config.Config, processor TaskProcessor) TaskQueue {
	taskQueueOnce.Do(func() {
		globalTaskQueue = NewTaskQueue(cfg, processor)
	})
	return globalTaskQueue
}

func NewTaskQueue(cfg *config.Config, processor TaskProcessor) TaskQueue {
	if cfg.Redis.Enabled {
		queue, err := NewAsyncQueue(&cfg.Redis)
		if err == nil {
			logger.Infof("[TaskQueue] Async queue initialized with Redis at %s", cfg.Redis.Addr)
			return queue
		}
		logger.Warnf("[TaskQueue] Redis unavailable, falling back to in-process queue: %v", err)
	} else {
		logger.Infof("[TaskQueue] In-process queue initialized (Redis disabled)")
	}
	return NewGoroutineQueue(processor, cfg.Analysis.Concurrency)
}

func GetTaskQueue() TaskQueue {
	return globalTaskQueue
}

// GoroutineQueue runs each dispatched id in its own goroutine on a
// background context, at most `concurrency` at a time.
type GoroutineQueue struct {
	processor TaskProcessor
	sem       chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
}

func NewGoroutineQueue(processor TaskProcessor, concurrency int) *GoroutineQueue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &GoroutineQueue{
		processor: processor,
		sem:       make(chan struct{}, concurrency),
	}
}

func (q *GoroutineQueue) Dispatch(feedbackID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.processor == nil {
		logger.Warnf("[TaskQueue] no processor set, dropping feedback %s", feedbackID)
		return nil
	}

	q.wg.Add(1)
	go q.run(feedbackID)
	return nil
}

func (q *GoroutineQueue) run(feedbackID string) {
	defer q.wg.Done()
	q.sem <- struct{}{}
	defer func() { <-q.sem }()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("feedback_id", feedbackID).Msg("[TaskQueue] processor panicked")
		}
	}()

	if err := q.processor(context.Background(), feedbackID); err != nil {
		logger.Error().Err(err).Str("feedback_id", feedbackID).
			Msg("[TaskQueue] analysis left pending, the reprocess sweep will retry it")
	}
}

func (q *GoroutineQueue) IsAsync() bool { return false }

// Close stops accepting work. Runs already dispatched keep going.
func (q *GoroutineQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

// Wait blocks until every dispatched run has finished.
func (q *GoroutineQueue) Wait() {
	q.wg.Wait()
}

// Shutdown closes the queue and waits for in-flight runs until ctx ends.
func (q *GoroutineQueue) Shutdown(ctx context.Context) error {
	q.Close()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AsyncQueue hands tasks to asynq. The task id is the feedback id, so a
// second dispatch while the first is still queued collapses into it.
type AsyncQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

func redisClientOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

func NewAsyncQueue(cfg *config.RedisConfig) (*AsyncQueue, error) {
	redisOpt := redisClientOpt(cfg)
	client := asynq.NewClient(redisOpt)

	inspector := asynq.NewInspector(redisOpt)
	if _, err := inspector.Queues(); err != nil {
		inspector.Close()
		client.Close()
		return nil, err
	}

	return &AsyncQueue{client: client, inspector: inspector}, nil
}

func (q *AsyncQueue) Dispatch(feedbackID string) error {
	payload, err := json.Marshal(AnalysisTask{FeedbackID: feedbackID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskTypeAnalysis, payload)

	info, err := q.enqueue(task, feedbackID)
	if errors.Is(err, asynq.ErrTaskIDConflict) && q.clearArchived(feedbackID) {
		info, err = q.enqueue(task, feedbackID)
	}
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		logger.Info().Str("feedback_id", feedbackID).Msg("[TaskQueue] analysis already queued")
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue analysis task: %w", err)
	}

	logger.Debug().Str("task_id", info.ID).Str("queue", info.Queue).Msg("[TaskQueue] analysis enqueued")
	return nil
}

func (q *AsyncQueue) enqueue(task *asynq.Task, feedbackID string) (*asynq.TaskInfo, error) {
	return q.client.Enqueue(task,
		asynq.TaskID(feedbackID),
		asynq.Queue(analysisQueue),
		asynq.MaxRetry(5),
		asynq.Timeout(5*time.Minute),
	)
}

// clearArchived removes a task that exhausted its retries so the id can be
// enqueued again. Pending, active and retrying tasks are left alone.
func (q *AsyncQueue) clearArchived(feedbackID string) bool {
	info, err := q.inspector.GetTaskInfo(analysisQueue, feedbackID)
	if err != nil || info.State != asynq.TaskStateArchived {
		return false
	}
	if err := q.inspector.DeleteTask(analysisQueue, feedbackID); err != nil {
		logger.Warn().Err(err).Str("feedback_id", feedbackID).Msg("[TaskQueue] could not clear archived task")
		return false
	}
	return true
}

func (q *AsyncQueue) IsAsync() bool { return true }

func (q *AsyncQueue) Close() error {
	q.inspector.Close()
	return q.client.Close()
}
