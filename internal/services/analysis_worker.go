package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/medfeedback/backend/internal/models"
	"github.com/medfeedback/backend/pkg/logger"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

var (
	ErrFeedbackNotFound = errors.New("feedback not found")
	ErrAnalysisFailed   = errors.New("analysis failed")
	ErrAlreadyTerminal  = errors.New("feedback already in a terminal state")
	// ErrLeftPending means no outcome was stored, either because storage
	// failed or because the caller cancelled the run. The record
	// stays pending_analysis and is picked up again by the reprocess sweep.
	ErrLeftPending = errors.New("analysis outcome not persisted")

	errStatusChanged = errors.New("feedback status changed concurrently")
)

const markFailedTimeout = 5 * time.Second

// AnalysisWorker enriches one feedback record per Run. Each run owns a
// dedicated database connection for its whole duration.
type AnalysisWorker struct {
	db          *gorm.DB
	retry       *RetryController
	emitter     EventEmitter
	maxAttempts int
	log         zerolog.Logger
}

func NewAnalysisWorker(db *gorm.DB, retry *RetryController, emitter EventEmitter, maxAttempts int) *AnalysisWorker {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &AnalysisWorker{
		db:          db,
		retry:       retry,
		emitter:     emitter,
		maxAttempts: maxAttempts,
		log:         logger.Component("AnalysisWorker"),
	}
}

// runState carries what the session produced out of the connection scope.
type runState struct {
	feedback models.Feedback
	analysis *models.Analysis
	outcome  string
	events   []Event
}

// Run analyses the record. A nil error means the record is reviewed and the
// returned Analysis is the single stored one, whether created now or earlier.
func (w *AnalysisWorker) Run(ctx context.Context, feedbackID uuid.UUID) (*models.Analysis, error) {
	log := w.log.With().Str("feedback_id", feedbackID.String()).Logger()
	state := &runState{}
	entered := false

	err := w.db.WithContext(ctx).Connection(func(conn *gorm.DB) (runErr error) {
		entered = true
		// New statement per chain, all on the pinned connection.
		session := conn.Session(&gorm.Session{})
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("[AnalysisWorker] unexpected fault")
				state.analysis = nil
				state.events = nil
				state.outcome = outcomePanic
				runErr = w.failRun(session, state, feedbackID, fmt.Sprintf("unexpected fault: %v", r), log)
			}
		}()
		return w.runInSession(ctx, session, feedbackID, state, log)
	})

	if !entered && err != nil {
		state.outcome = outcomeStorageError
		log.Error().Err(err).Msg("[AnalysisWorker] could not acquire a database connection")
		err = fmt.Errorf("%w: acquire connection: %v", ErrLeftPending, err)
	}

	analysisOutcomes.WithLabelValues(state.outcome).Inc()

	if w.emitter != nil {
		for _, ev := range state.events {
			w.emitter.Emit(ev)
		}
	}
	return state.analysis, err
}

func (w *AnalysisWorker) runInSession(ctx context.Context, session *gorm.DB, id uuid.UUID, state *runState, log zerolog.Logger) error {
	fb := &state.feedback
	if err := session.Preload("Analysis").First(fb, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			state.outcome = outcomeMissing
			log.Warn().Msg("[AnalysisWorker] feedback not found, nothing to do")
			return ErrFeedbackNotFound
		}
		if ctx.Err() != nil {
			return w.interrupted(ctx, state, "load feedback", log)
		}
		return w.failRun(session, state, id, "load feedback: "+err.Error(), log)
	}

	if fb.Analysis != nil {
		state.analysis = fb.Analysis
		state.outcome = outcomeAlreadyDone
		log.Info().Msg("[AnalysisWorker] already analysed, skipping classifier")
		return nil
	}
	if fb.Status.Terminal() {
		state.outcome = outcomeTerminal
		log.Info().Str("status", string(fb.Status)).Msg("[AnalysisWorker] feedback already terminal")
		return ErrAlreadyTerminal
	}

	result, err := w.retry.ClassifyWithRetry(ctx, NewClassifyRequest(fb), w.maxAttempts)
	if err != nil {
		if ctx.Err() != nil {
			return w.interrupted(ctx, state, "classify", log)
		}
		return w.failRun(session, state, id, err.Error(), log)
	}

	analysis := &models.Analysis{
		FeedbackID:      id,
		Sentiment:       result.Sentiment,
		ConfidenceScore: result.Confidence,
		Emotions:        result.Emotions,
		Urgency:         result.Urgency,
		UrgencyReason:   result.UrgencyReason,
	}

	err = session.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(analysis).Error; err != nil {
			return err
		}
		res := tx.Model(&models.Feedback{}).
			Where("id = ? AND status = ?", id, models.StatusPendingAnalysis).
			Update("status", models.StatusReviewed)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errStatusChanged
		}
		return nil
	})

	switch {
	case err == nil:
		state.analysis = analysis
		state.outcome = outcomeReviewed
		fb.Status = models.StatusReviewed
		state.events = append(state.events, completedEvent(fb, analysis))
		if analysis.Urgency == models.UrgencyCritical {
			state.events = append(state.events, urgentAlertEvent(fb, analysis))
		}
		log.Info().
			Str("sentiment", string(analysis.Sentiment)).
			Str("urgency", string(analysis.Urgency)).
			Msg("[AnalysisWorker] feedback reviewed")
		return nil

	case isDuplicateKeyError(err), errors.Is(err, errStatusChanged):
		// Another run finished first; its result is the one that counts.
		return w.adoptWinner(session, state, id, log)

	case ctx.Err() != nil:
		return w.interrupted(ctx, state, "persist analysis", log)

	default:
		log.Error().Err(err).Msg("[AnalysisWorker] failed to persist analysis")
		return w.failRun(session, state, id, "persist analysis: "+err.Error(), log)
	}
}

// adoptWinner loads whatever a concurrent run stored.
func (w *AnalysisWorker) adoptWinner(session *gorm.DB, state *runState, id uuid.UUID, log zerolog.Logger) error {
	var existing models.Analysis
	err := session.Where("feedback_id = ?", id).First(&existing).Error
	switch {
	case err == nil:
		state.analysis = &existing
		state.outcome = outcomeAlreadyDone
		log.Info().Msg("[AnalysisWorker] concurrent run won, using its analysis")
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		state.outcome = outcomeTerminal
		return ErrAlreadyTerminal
	default:
		state.outcome = outcomeStorageError
		return fmt.Errorf("%w: load concurrent analysis: %v", ErrLeftPending, err)
	}
}

// interrupted leaves the record pending when the caller cancelled the run.
// A cancellation says nothing about the feedback, so it is not marked
// failed; redelivery or the sweep picks it up again.
func (w *AnalysisWorker) interrupted(ctx context.Context, state *runState, stage string, log zerolog.Logger) error {
	state.outcome = outcomeInterrupted
	log.Warn().Err(ctx.Err()).Str("stage", stage).Msg("[AnalysisWorker] run interrupted, feedback left pending")
	return fmt.Errorf("%w: %s interrupted: %v", ErrLeftPending, stage, ctx.Err())
}

// failRun moves the record to analysis_failed on the same session. The
// update uses its own deadline so a cancelled run can still record it.
func (w *AnalysisWorker) failRun(session *gorm.DB, state *runState, id uuid.UUID, reason string, log zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), markFailedTimeout)
	defer cancel()

	res := session.WithContext(ctx).Model(&models.Feedback{}).
		Where("id = ? AND status = ?", id, models.StatusPendingAnalysis).
		Update("status", models.StatusAnalysisFailed)
	if res.Error != nil {
		state.outcome = outcomeStorageError
		log.Error().Err(res.Error).Str("reason", reason).Msg("[AnalysisWorker] could not mark feedback failed, left pending")
		return fmt.Errorf("%w: %s: %v", ErrLeftPending, reason, res.Error)
	}
	if res.RowsAffected == 0 {
		return w.adoptWinner(session, state, id, log)
	}

	if state.outcome != outcomePanic {
		state.outcome = outcomeFailed
	}
	state.feedback.ID = id
	state.feedback.Status = models.StatusAnalysisFailed
	state.events = append(state.events, failedEvent(&state.feedback, reason))
	log.Warn().Str("reason", reason).Msg("[AnalysisWorker] feedback marked analysis_failed")
	return fmt.Errorf("%w: %s", ErrAnalysisFailed, reason)
}

// ProcessTask adapts Run for the dispatchers. The run is detached from the
// queue's context, which asynq cancels on shutdown and on task timeout; the
// classifier timeout and the retry budget bound it instead. Only a run that
// left the record pending reports an error, so a durable queue can
// redeliver it.
func (w *AnalysisWorker) ProcessTask(ctx context.Context, feedbackID string) error {
	id, err := uuid.Parse(feedbackID)
	if err != nil {
		w.log.Error().Str("feedback_id", feedbackID).Msg("[AnalysisWorker] invalid feedback id in task")
		return nil
	}

	_, err = w.Run(context.WithoutCancel(ctx), id)
	if errors.Is(err, ErrLeftPending) {
		return err
	}
	return nil
}

func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}
