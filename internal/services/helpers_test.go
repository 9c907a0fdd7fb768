package services

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/medfeedback/backend/internal/config"
	"github.com/medfeedback/backend/internal/models"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL"
	db, err := models.Open(&config.DatabaseConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

type seedOption func(*models.Feedback)

func withStatus(s models.FeedbackStatus) seedOption {
	return func(fb *models.Feedback) { fb.Status = s }
}

func withCreatedAt(ts time.Time) seedOption {
	return func(fb *models.Feedback) { fb.CreatedAt = ts.UTC() }
}

func withRating(r int) seedOption {
	return func(fb *models.Feedback) { fb.Rating = r }
}

func seedFeedback(t *testing.T, db *gorm.DB, department, text string, opts ...seedOption) *models.Feedback {
	t.Helper()

	fb := &models.Feedback{
		ID:           uuid.New(),
		Department:   department,
		FeedbackText: text,
		Rating:       3,
		Status:       models.StatusPendingAnalysis,
		CreatedAt:    time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(fb)
	}
	require.NoError(t, db.Create(fb).Error)
	return fb
}

func seedAnalysis(t *testing.T, db *gorm.DB, fb *models.Feedback, sentiment models.Sentiment, urgency models.Urgency) *models.Analysis {
	t.Helper()

	a := &models.Analysis{
		FeedbackID:      fb.ID,
		Sentiment:       sentiment,
		ConfidenceScore: 0.9,
		Emotions:        []string{"calm"},
		Urgency:         urgency,
	}
	require.NoError(t, db.Create(a).Error)
	require.NoError(t, db.Model(&models.Feedback{}).Where("id = ?", fb.ID).
		Update("status", models.StatusReviewed).Error)
	return a
}

// stubClassifier answers from fn and counts calls.
type stubClassifier struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req *ClassifyRequest) (*ClassificationResult, error)
}

func (s *stubClassifier) Classify(ctx context.Context, req *ClassifyRequest) (*ClassificationResult, error) {
	s.calls.Add(1)
	return s.fn(ctx, req)
}

func (s *stubClassifier) Calls() int { return int(s.calls.Load()) }

func classifierReturning(result *ClassificationResult) *stubClassifier {
	return &stubClassifier{fn: func(context.Context, *ClassifyRequest) (*ClassificationResult, error) {
		r := *result
		return &r, nil
	}}
}

func classifierFailing(err error) *stubClassifier {
	return &stubClassifier{fn: func(context.Context, *ClassifyRequest) (*ClassificationResult, error) {
		return nil, err
	}}
}

// recordingSleeper records requested waits without sleeping.
type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total time.Duration
	for _, w := range s.waits {
		total += w
	}
	return total
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEmitter) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEmitter) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// recordingQueue collects dispatched ids without running anything.
type recordingQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *recordingQueue) Dispatch(feedbackID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, feedbackID)
	return nil
}

func (q *recordingQueue) IsAsync() bool { return false }
func (q *recordingQueue) Close() error  { return nil }

func (q *recordingQueue) dispatched() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

func newTestWorker(db *gorm.DB, c Classifier, emitter EventEmitter) (*AnalysisWorker, *recordingSleeper) {
	sleeper := &recordingSleeper{}
	retry := NewRetryController(c, DefaultMaxBackoff).WithSleeper(sleeper.Sleep)
	return NewAnalysisWorker(db, retry, emitter, DefaultMaxAttempts), sleeper
}

func criticalResult() *ClassificationResult {
	reason := "rude staff and long wait reported"
	return &ClassificationResult{
		Sentiment:     models.SentimentNegative,
		Confidence:    0.92,
		Emotions:      []string{"frustration", "anger"},
		Urgency:       models.UrgencyCritical,
		UrgencyReason: &reason,
	}
}
