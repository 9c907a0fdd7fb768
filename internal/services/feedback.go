package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/medfeedback/backend/internal/models"
	"github.com/medfeedback/backend/pkg/logger"
	"gorm.io/gorm"
)

const (
	maxDepartmentLen   = 100
	maxNameLen         = 200
	maxFeedbackTextLen = 5000
	// Allowed clock skew for visit dates sent by clients.
	visitDateSkew = 24 * time.Hour
)

// ErrNotReprocessable is returned for records that already hold an outcome.
var ErrNotReprocessable = errors.New("feedback is not pending analysis")

type CreateFeedbackRequest struct {
	PatientName  *string    `json:"patient_name"`
	Department   string     `json:"department"`
	DoctorName   *string    `json:"doctor_name"`
	VisitDate    *time.Time `json:"visit_date"`
	FeedbackText string     `json:"feedback_text"`
	Rating       int        `json:"rating"`
}

// FeedbackService is the ingestion side: it commits new records and hands
// their ids to the task queue.
type FeedbackService struct {
	db    *gorm.DB
	queue TaskQueue
	now   func() time.Time
}

func NewFeedbackService(db *gorm.DB, queue TaskQueue) *FeedbackService {
	return &FeedbackService{db: db, queue: queue, now: time.Now}
}

func optionalText(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func (s *FeedbackService) validate(req *CreateFeedbackRequest) (*models.Feedback, error) {
	fields := map[string]string{}

	fb := &models.Feedback{
		PatientName:  optionalText(req.PatientName),
		Department:   strings.TrimSpace(req.Department),
		DoctorName:   optionalText(req.DoctorName),
		FeedbackText: strings.TrimSpace(req.FeedbackText),
		Rating:       req.Rating,
	}

	switch n := utf8.RuneCountInString(fb.Department); {
	case n == 0:
		fields["department"] = "is required"
	case n > maxDepartmentLen:
		fields["department"] = fmt.Sprintf("must be at most %d characters", maxDepartmentLen)
	}
	switch n := utf8.RuneCountInString(fb.FeedbackText); {
	case n == 0:
		fields["feedback_text"] = "is required"
	case n > maxFeedbackTextLen:
		fields["feedback_text"] = fmt.Sprintf("must be at most %d characters", maxFeedbackTextLen)
	}
	if fb.Rating < models.MinRating || fb.Rating > models.MaxRating {
		fields["rating"] = fmt.Sprintf("must be between %d and %d", models.MinRating, models.MaxRating)
	}
	if fb.PatientName != nil && utf8.RuneCountInString(*fb.PatientName) > maxNameLen {
		fields["patient_name"] = fmt.Sprintf("must be at most %d characters", maxNameLen)
	}
	if fb.DoctorName != nil && utf8.RuneCountInString(*fb.DoctorName) > maxNameLen {
		fields["doctor_name"] = fmt.Sprintf("must be at most %d characters", maxNameLen)
	}
	if req.VisitDate != nil {
		if req.VisitDate.After(s.now().Add(visitDateSkew)) {
			fields["visit_date"] = "must not be in the future"
		} else {
			v := req.VisitDate.UTC()
			fb.VisitDate = &v
		}
	}

	if len(fields) > 0 {
		return nil, &ValidationError{Kind: ErrInvalidFeedback, Fields: fields}
	}
	return fb, nil
}

// Create validates and commits one record in its own transaction. The id
// is only dispatched after the commit, so the worker always finds the row.
func (s *FeedbackService) Create(ctx context.Context, req *CreateFeedbackRequest) (*models.Feedback, error) {
	fb, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	fb.ID = uuid.New()
	fb.Status = models.StatusPendingAnalysis
	fb.CreatedAt = s.now().UTC()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(fb).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create feedback: %w", err)
	}

	s.dispatch(fb.ID)
	return fb, nil
}

// dispatch never fails the caller. An id that could not be queued stays
// pending and is picked up by the reprocess sweep.
func (s *FeedbackService) dispatch(id uuid.UUID) {
	if s.queue == nil {
		logger.Warn().Str("feedback_id", id.String()).Msg("[Feedback] no task queue, analysis deferred to reprocess sweep")
		return
	}
	if err := s.queue.Dispatch(id.String()); err != nil {
		logger.Error().Err(err).Str("feedback_id", id.String()).Msg("[Feedback] dispatch failed, analysis deferred to reprocess sweep")
	}
}

// Reprocess re-dispatches a record still pending analysis.
func (s *FeedbackService) Reprocess(ctx context.Context, id uuid.UUID) (*models.Feedback, error) {
	var fb models.Feedback
	err := s.db.WithContext(ctx).First(&fb, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFeedbackNotFound
	}
	if err != nil {
		return nil, err
	}
	if fb.Status != models.StatusPendingAnalysis {
		return nil, ErrNotReprocessable
	}
	if s.queue == nil {
		return nil, ErrQueueClosed
	}
	if err := s.queue.Dispatch(id.String()); err != nil {
		return nil, fmt.Errorf("dispatch feedback: %w", err)
	}

	logger.Info().Str("feedback_id", id.String()).Msg("[Feedback] reprocess dispatched")
	return &fb, nil
}
