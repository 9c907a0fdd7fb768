package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/medfeedback/backend/internal/models"
)

var ErrClassifierNotConfigured = errors.New("classifier not configured")

const (
	maxEmotions          = 8
	maxEmotionRunes      = 40
	maxUrgencyReasonRune = 500
)

// ClassifyRequest is everything the classifier is told about one record.
type ClassifyRequest struct {
	Text       string
	Department string
	DoctorName *string
	VisitDate  *time.Time
	Rating     *int
}

// NewClassifyRequest builds the request from a stored record.
func NewClassifyRequest(fb *models.Feedback) *ClassifyRequest {
	rating := fb.Rating
	return &ClassifyRequest{
		Text:       fb.FeedbackText,
		Department: fb.Department,
		DoctorName: fb.DoctorName,
		VisitDate:  fb.VisitDate,
		Rating:     &rating,
	}
}

type ClassificationResult struct {
	Sentiment     models.Sentiment
	Confidence    float64
	Emotions      []string
	Urgency       models.Urgency
	UrgencyReason *string
}

// Classifier wraps the external AI service. One call per Classify.
type Classifier interface {
	Classify(ctx context.Context, req *ClassifyRequest) (*ClassificationResult, error)
}

// FailureClass tells the retry loop whether another attempt can help.
type FailureClass int

const (
	FailureTransient FailureClass = iota
	FailurePermanent
)

func (f FailureClass) String() string {
	switch f {
	case FailureTransient:
		return "transient"
	case FailurePermanent:
		return "permanent"
	}
	return "unknown"
}

// ClassifierError is the typed failure of a Classify call.
type ClassifierError struct {
	Class FailureClass
	// RetryAfter is the wait suggested by the provider, zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *ClassifierError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s classifier failure (retry after %s): %v", e.Class, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s classifier failure: %v", e.Class, e.Err)
}

func (e *ClassifierError) Unwrap() error { return e.Err }

func TransientError(err error, retryAfter time.Duration) *ClassifierError {
	return &ClassifierError{Class: FailureTransient, RetryAfter: retryAfter, Err: err}
}

func PermanentError(err error) *ClassifierError {
	return &ClassifierError{Class: FailurePermanent, Err: err}
}

// AsClassifierError coerces any error into a ClassifierError. Untyped
// errors are treated as transient unless they are configuration errors
// or a cancelled caller.
func AsClassifierError(err error) *ClassifierError {
	if err == nil {
		return nil
	}
	var ce *ClassifierError
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case errors.Is(err, ErrClassifierNotConfigured), errors.Is(err, context.Canceled):
		return PermanentError(err)
	default:
		return TransientError(err, 0)
	}
}

type rawClassification struct {
	Sentiment       string   `json:"sentiment"`
	ConfidenceScore *float64 `json:"confidence_score"`
	Confidence      *float64 `json:"confidence"`
	Emotions        []string `json:"emotions"`
	Urgency         string   `json:"urgency"`
	UrgencyReason   *string  `json:"urgency_reason"`
}

// ParseClassification decodes the model's JSON answer. Markdown fences
// and prose around the object are tolerated; enum values are normalised.
func ParseClassification(content string) (*ClassificationResult, error) {
	body := extractJSONObject(content)
	if body == "" {
		return nil, fmt.Errorf("no JSON object in model output")
	}

	var raw rawClassification
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}

	sentiment, err := models.ParseSentiment(raw.Sentiment)
	if err != nil {
		return nil, err
	}
	urgency, err := models.ParseUrgency(raw.Urgency)
	if err != nil {
		return nil, err
	}

	confidence := 0.0
	if raw.ConfidenceScore != nil {
		confidence = *raw.ConfidenceScore
	} else if raw.Confidence != nil {
		confidence = *raw.Confidence
	}

	result := &ClassificationResult{
		Sentiment:  sentiment,
		Confidence: clampConfidence(confidence),
		Emotions:   normaliseEmotions(raw.Emotions),
		Urgency:    urgency,
	}
	if raw.UrgencyReason != nil {
		if reason := strings.TrimSpace(*raw.UrgencyReason); reason != "" {
			reason = truncateRunes(reason, maxUrgencyReasonRune)
			result.UrgencyReason = &reason
		}
	}
	return result, nil
}

func extractJSONObject(content string) string {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func clampConfidence(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// normaliseEmotions lowercases, dedups and caps the tag list, keeping
// the model's order.
func normaliseEmotions(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, e := range in {
		tag := truncateRunes(strings.ToLower(strings.TrimSpace(e)), maxEmotionRunes)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
		if len(out) == maxEmotions {
			break
		}
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
