package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

var Sentiments = []Sentiment{SentimentPositive, SentimentNeutral, SentimentNegative}

func (s Sentiment) Valid() bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return true
	}
	return false
}

// ParseSentiment accepts any casing and surrounding whitespace.
func ParseSentiment(s string) (Sentiment, error) {
	v := Sentiment(strings.ToLower(strings.TrimSpace(s)))
	if !v.Valid() {
		return "", fmt.Errorf("invalid sentiment %q", s)
	}
	return v, nil
}

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

var Urgencies = []Urgency{UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical}

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

func ParseUrgency(s string) (Urgency, error) {
	v := Urgency(strings.ToLower(strings.TrimSpace(s)))
	if !v.Valid() {
		return "", fmt.Errorf("invalid urgency %q", s)
	}
	return v, nil
}

// Analysis is the classifier result for a single feedback record. The
// unique index on feedback_id is what makes repeated analysis runs safe.
type Analysis struct {
	ID              uint                        `gorm:"primaryKey" json:"id"`
	FeedbackID      uuid.UUID                   `gorm:"type:char(36);not null;uniqueIndex:uniq_analyses_feedback_id" json:"feedback_id"`
	Feedback        *Feedback                   `gorm:"foreignKey:FeedbackID;references:ID;constraint:OnDelete:CASCADE" json:"-"`
	Sentiment       Sentiment                   `gorm:"size:16;not null;index" json:"sentiment"`
	ConfidenceScore float64                     `gorm:"not null" json:"confidence_score"`
	Emotions        datatypes.JSONSlice[string] `json:"emotions"`
	Urgency         Urgency                     `gorm:"size:16;not null;index" json:"urgency"`
	UrgencyReason   *string                     `gorm:"type:text" json:"urgency_reason"`
	CreatedAt       time.Time                   `json:"created_at"`
}

func (Analysis) TableName() string { return "analyses" }
