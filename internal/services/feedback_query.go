package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/medfeedback/backend/internal/models"
	"gorm.io/gorm"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

var (
	ErrInvalidFilter   = errors.New("invalid filter")
	ErrInvalidFeedback = errors.New("invalid feedback")
)

// FeedbackFilter holds the optional predicates of a feedback listing.
// Department and status match feedback columns, urgency and sentiment
// match the joined analysis.
type FeedbackFilter struct {
	Department string `form:"department"`
	Status     string `form:"status"`
	Urgency    string `form:"urgency"`
	Sentiment  string `form:"sentiment"`
}

type FeedbackPage struct {
	Items  []models.Feedback `json:"items"`
	Total  int64             `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

// ValidationError lists the rejected parameters by name. Kind is the
// sentinel it unwraps to, ErrInvalidFilter when nil.
type ValidationError struct {
	Kind   error
	Fields map[string]string
}

func (e *ValidationError) kind() error {
	if e.Kind == nil {
		return ErrInvalidFilter
	}
	return e.Kind
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return fmt.Sprintf("%s: %s", e.kind(), strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return e.kind() }

type feedbackPredicates struct {
	department string
	status     models.FeedbackStatus
	urgency    models.Urgency
	sentiment  models.Sentiment
}

func (p *feedbackPredicates) joinsAnalysis() bool {
	return p.urgency != "" || p.sentiment != ""
}

func joinValues[T ~string](values []T) string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return strings.Join(out, ", ")
}

func (f FeedbackFilter) validate(limit, offset int) (*feedbackPredicates, error) {
	fields := map[string]string{}
	p := &feedbackPredicates{department: strings.TrimSpace(f.Department)}

	if utf8.RuneCountInString(p.department) > 100 {
		fields["department"] = "must be at most 100 characters"
	}
	if f.Status != "" {
		if s := models.FeedbackStatus(f.Status); s.Valid() {
			p.status = s
		} else {
			fields["status"] = "must be one of " + joinValues(models.FeedbackStatuses)
		}
	}
	if f.Urgency != "" {
		if u := models.Urgency(f.Urgency); u.Valid() {
			p.urgency = u
		} else {
			fields["urgency"] = "must be one of " + joinValues(models.Urgencies)
		}
	}
	if f.Sentiment != "" {
		if s := models.Sentiment(f.Sentiment); s.Valid() {
			p.sentiment = s
		} else {
			fields["sentiment"] = "must be one of " + joinValues(models.Sentiments)
		}
	}
	if limit < 1 || limit > MaxPageLimit {
		fields["limit"] = fmt.Sprintf("must be between 1 and %d", MaxPageLimit)
	}
	if offset < 0 {
		fields["offset"] = "must not be negative"
	}

	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}
	return p, nil
}

// applyFeedbackPredicates is shared by the page and the count query so
// both always see the same relation shape and predicate set.
func applyFeedbackPredicates(q *gorm.DB, p *feedbackPredicates) *gorm.DB {
	if p.department != "" {
		q = q.Where("feedback.department = ?", p.department)
	}
	if p.status != "" {
		q = q.Where("feedback.status = ?", p.status)
	}
	if p.joinsAnalysis() {
		q = q.Joins("JOIN analyses ON analyses.feedback_id = feedback.id")
		if p.urgency != "" {
			q = q.Where("analyses.urgency = ?", p.urgency)
		}
		if p.sentiment != "" {
			q = q.Where("analyses.sentiment = ?", p.sentiment)
		}
	}
	return q
}

// FeedbackQueryService answers staff listings. Filtering, ordering and
// paging all happen in the database.
type FeedbackQueryService struct {
	db *gorm.DB
}

func NewFeedbackQueryService(db *gorm.DB) *FeedbackQueryService {
	return &FeedbackQueryService{db: db}
}

// Query returns one page, newest first, each row with its analysis, and
// the total number of rows matching the filter.
func (s *FeedbackQueryService) Query(ctx context.Context, filter FeedbackFilter, limit, offset int) (*FeedbackPage, error) {
	preds, err := filter.validate(limit, offset)
	if err != nil {
		return nil, err
	}

	base := func() *gorm.DB {
		return applyFeedbackPredicates(s.db.WithContext(ctx).Model(&models.Feedback{}), preds)
	}

	var total int64
	countQuery := base()
	if preds.joinsAnalysis() {
		countQuery = countQuery.Distinct("feedback.id")
	}
	if err := countQuery.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count feedback: %w", err)
	}

	items := make([]models.Feedback, 0, limit)
	if total > int64(offset) {
		pageQuery := base()
		if preds.joinsAnalysis() {
			pageQuery = pageQuery.Distinct("feedback.*")
		} else {
			pageQuery = pageQuery.Select("feedback.*")
		}
		err := pageQuery.
			Preload("Analysis").
			Order("feedback.created_at DESC").
			Order("feedback.id DESC").
			Limit(limit).
			Offset(offset).
			Find(&items).Error
		if err != nil {
			return nil, fmt.Errorf("list feedback: %w", err)
		}
	}

	return &FeedbackPage{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

func (s *FeedbackQueryService) GetByID(ctx context.Context, id uuid.UUID) (*models.Feedback, error) {
	var fb models.Feedback
	err := s.db.WithContext(ctx).Preload("Analysis").First(&fb, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFeedbackNotFound
	}
	if err != nil {
		return nil, err
	}
	return &fb, nil
}
