package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/medfeedback/backend/internal/models"
	"gorm.io/gorm"
)

const (
	DefaultTrendDays = 30
	MaxTrendDays     = 365
)

type AnalyticsService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewAnalyticsService(db *gorm.DB) *AnalyticsService {
	return &AnalyticsService{db: db, now: time.Now}
}

type AnalyticsSummary struct {
	TotalFeedback int64            `json:"total_feedback"`
	ByStatus      map[string]int64 `json:"by_status"`
	BySentiment   map[string]int64 `json:"by_sentiment"`
	ByUrgency     map[string]int64 `json:"by_urgency"`
	ByDepartment  map[string]int64 `json:"by_department"`
	AverageRating float64          `json:"average_rating"`
}

type DailyCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

type DailyLabelCount struct {
	Date  string `json:"date"`
	Label string `json:"label"`
	Count int64  `json:"count"`
}

type AnalyticsTrends struct {
	Days            int               `json:"days"`
	DailyFeedback   []DailyCount      `json:"daily_feedback"`
	SentimentTrends []DailyLabelCount `json:"sentiment_trends"`
	UrgencyTrends   []DailyLabelCount `json:"urgency_trends"`
}

type labelCount struct {
	Label string
	Count int64
}

type dayLabelCount struct {
	Day   string
	Label string
	Count int64
}

func (s *AnalyticsService) groupCount(ctx context.Context, model interface{}, column string) (map[string]int64, error) {
	var rows []labelCount
	err := s.db.WithContext(ctx).Model(model).
		Select(column + " AS label, COUNT(*) AS count").
		Group(column).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("group by %s: %w", column, err)
	}

	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Label] = r.Count
	}
	return out, nil
}

// Summary aggregates the whole dataset with GROUP BY queries.
func (s *AnalyticsService) Summary(ctx context.Context) (*AnalyticsSummary, error) {
	summary := &AnalyticsSummary{}

	if err := s.db.WithContext(ctx).Model(&models.Feedback{}).Count(&summary.TotalFeedback).Error; err != nil {
		return nil, err
	}

	var err error
	if summary.ByStatus, err = s.groupCount(ctx, &models.Feedback{}, "status"); err != nil {
		return nil, err
	}
	if summary.ByDepartment, err = s.groupCount(ctx, &models.Feedback{}, "department"); err != nil {
		return nil, err
	}
	if summary.BySentiment, err = s.groupCount(ctx, &models.Analysis{}, "sentiment"); err != nil {
		return nil, err
	}
	if summary.ByUrgency, err = s.groupCount(ctx, &models.Analysis{}, "urgency"); err != nil {
		return nil, err
	}

	var avg float64
	if err := s.db.WithContext(ctx).Model(&models.Feedback{}).
		Select("COALESCE(AVG(rating), 0)").
		Scan(&avg).Error; err != nil {
		return nil, err
	}
	summary.AverageRating = math.Round(avg*100) / 100

	return summary, nil
}

// Trends returns per-day counts for the last `days` days, today included.
// Daily feedback counts are zero-filled; the label series only carry
// days that have data.
func (s *AnalyticsService) Trends(ctx context.Context, days int) (*AnalyticsTrends, error) {
	if days < 1 || days > MaxTrendDays {
		return nil, &ValidationError{Fields: map[string]string{
			"days": fmt.Sprintf("must be between 1 and %d", MaxTrendDays),
		}}
	}

	today := s.now().UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -(days - 1))

	var daily []dayLabelCount
	err := s.db.WithContext(ctx).Model(&models.Feedback{}).
		Select("DATE(created_at) AS day, COUNT(*) AS count").
		Where("created_at >= ?", since).
		Group("DATE(created_at)").
		Scan(&daily).Error
	if err != nil {
		return nil, fmt.Errorf("daily feedback: %w", err)
	}

	sentiment, err := s.dailyAnalysisCounts(ctx, "sentiment", since)
	if err != nil {
		return nil, err
	}
	urgency, err := s.dailyAnalysisCounts(ctx, "urgency", since)
	if err != nil {
		return nil, err
	}

	byDay := make(map[string]int64, len(daily))
	for _, d := range daily {
		byDay[normaliseDay(d.Day)] += d.Count
	}
	series := make([]DailyCount, 0, days)
	for d := since; !d.After(today); d = d.AddDate(0, 0, 1) {
		key := d.Format("2006-01-02")
		series = append(series, DailyCount{Date: key, Count: byDay[key]})
	}

	return &AnalyticsTrends{
		Days:            days,
		DailyFeedback:   series,
		SentimentTrends: sentiment,
		UrgencyTrends:   urgency,
	}, nil
}

func (s *AnalyticsService) dailyAnalysisCounts(ctx context.Context, column string, since time.Time) ([]DailyLabelCount, error) {
	var rows []dayLabelCount
	err := s.db.WithContext(ctx).Table("analyses").
		Select("DATE(feedback.created_at) AS day, analyses."+column+" AS label, COUNT(*) AS count").
		Joins("JOIN feedback ON feedback.id = analyses.feedback_id").
		Where("feedback.created_at >= ?", since).
		Group("DATE(feedback.created_at), analyses." + column).
		Order("day, label").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("daily %s: %w", column, err)
	}

	out := make([]DailyLabelCount, 0, len(rows))
	for _, r := range rows {
		out = append(out, DailyLabelCount{Date: normaliseDay(r.Day), Label: r.Label, Count: r.Count})
	}
	return out, nil
}

// normaliseDay cuts driver specific DATE() renderings down to YYYY-MM-DD.
func normaliseDay(day string) string {
	if len(day) >= 10 {
		return day[:10]
	}
	return day
}
