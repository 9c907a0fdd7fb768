package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FeedbackStatus is the analysis lifecycle of a feedback record. It only
// moves forward: pending_analysis -> reviewed | analysis_failed.
type FeedbackStatus string

const (
	StatusPendingAnalysis FeedbackStatus = "pending_analysis"
	StatusReviewed        FeedbackStatus = "reviewed"
	StatusAnalysisFailed  FeedbackStatus = "analysis_failed"
)

var FeedbackStatuses = []FeedbackStatus{StatusPendingAnalysis, StatusReviewed, StatusAnalysisFailed}

func (s FeedbackStatus) Valid() bool {
	switch s {
	case StatusPendingAnalysis, StatusReviewed, StatusAnalysisFailed:
		return true
	}
	return false
}

// Terminal reports whether no further analysis may change the record.
func (s FeedbackStatus) Terminal() bool {
	return s == StatusReviewed || s == StatusAnalysisFailed
}

func ParseFeedbackStatus(s string) (FeedbackStatus, error) {
	st := FeedbackStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("invalid status %q", s)
	}
	return st, nil
}

const (
	MinRating = 1
	MaxRating = 5
)

// Feedback is one submitted patient feedback record.
type Feedback struct {
	ID           uuid.UUID      `gorm:"type:char(36);primaryKey" json:"id"`
	PatientName  *string        `gorm:"size:200" json:"patient_name"`
	Department   string         `gorm:"size:100;not null;index" json:"department"`
	DoctorName   *string        `gorm:"size:200" json:"doctor_name"`
	VisitDate    *time.Time     `json:"visit_date"`
	FeedbackText string         `gorm:"type:text;not null" json:"feedback_text"`
	Rating       int            `gorm:"not null;check:chk_feedback_rating,rating >= 1 AND rating <= 5" json:"rating"`
	Status       FeedbackStatus `gorm:"size:32;not null;default:pending_analysis;index" json:"status"`
	CreatedAt    time.Time      `gorm:"not null;index" json:"created_at"`
	Analysis     *Analysis      `gorm:"foreignKey:FeedbackID;references:ID" json:"analysis,omitempty"`
}

func (Feedback) TableName() string { return "feedback" }
