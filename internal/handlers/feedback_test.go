package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/medfeedback/backend/internal/models"
	"github.com/medfeedback/backend/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedbackHandler_Create(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/feedback", map[string]any{
		"department":    "Cardiology",
		"doctor_name":   "Dr. Rao",
		"visit_date":    "2024-05-30T09:00:00Z",
		"feedback_text": "waited four hours",
		"rating":        2,
	}, "")
	assertStatus(t, rec, http.StatusCreated)

	var fb models.Feedback
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &fb))
	assert.Equal(t, models.StatusPendingAnalysis, fb.Status)
	assert.Equal(t, "Cardiology", fb.Department)
	require.NotNil(t, fb.VisitDate)
	assert.Nil(t, fb.Analysis)
	assert.Equal(t, []string{fb.ID.String()}, s.queue.dispatched())
}

func TestFeedbackHandler_CreateValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/feedback", map[string]any{
		"department":    "",
		"feedback_text": "fine",
		"rating":        9,
	}, "")
	assertStatus(t, rec, http.StatusUnprocessableEntity)

	env := decodeEnvelope(t, rec)
	assert.Equal(t, 422, env.Code)
	assert.Contains(t, env.Details, "department")
	assert.Contains(t, env.Details, "rating")
	assert.Empty(t, s.queue.dispatched())
}

func TestFeedbackHandler_CreateMalformedBody(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/feedback", map[string]any{
		"department":    "ER",
		"feedback_text": "x",
		"rating":        "five",
	}, "")
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestFeedbackHandler_StaffRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)
	fb := s.seedFeedback(t, "ER", "x", models.StatusPendingAnalysis)

	for _, path := range []string{
		"/api/feedback",
		"/api/feedback/" + fb.ID.String(),
		"/api/analytics/summary",
		"/api/analytics/trends",
		"/api/auth/me",
	} {
		rec := s.do(t, http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	rec := s.do(t, http.MethodPost, "/api/feedback/"+fb.ID.String()+"/reprocess", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFeedbackHandler_List(t *testing.T) {
	s := newTestServer(t)
	token := s.staffToken(t)

	er := s.seedFeedback(t, "Emergency", "chest pain", models.StatusReviewed)
	require.NoError(t, s.db.Create(&models.Analysis{
		FeedbackID: er.ID, Sentiment: models.SentimentNegative, Urgency: models.UrgencyCritical, ConfidenceScore: 0.9,
	}).Error)
	s.seedFeedback(t, "Emergency", "still waiting", models.StatusPendingAnalysis)
	s.seedFeedback(t, "Radiology", "great", models.StatusPendingAnalysis)

	rec := s.do(t, http.MethodGet, "/api/feedback?department=Emergency&urgency=critical", nil, token)
	assertStatus(t, rec, http.StatusOK)

	var page services.FeedbackPage
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &page))
	assert.EqualValues(t, 1, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, er.ID, page.Items[0].ID)
	require.NotNil(t, page.Items[0].Analysis)
	assert.Equal(t, models.UrgencyCritical, page.Items[0].Analysis.Urgency)
	assert.Equal(t, services.DefaultPageLimit, page.Limit)

	rec = s.do(t, http.MethodGet, "/api/feedback?limit=1&offset=1", nil, token)
	assertStatus(t, rec, http.StatusOK)
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &page))
	assert.EqualValues(t, 3, page.Total)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, 1, page.Offset)
}

func TestFeedbackHandler_ListRejectsBadParameters(t *testing.T) {
	s := newTestServer(t)
	token := s.staffToken(t)

	tests := []struct {
		query string
		code  int
		field string
	}{
		{"?status=archived", http.StatusUnprocessableEntity, "status"},
		{"?urgency=extreme", http.StatusUnprocessableEntity, "urgency"},
		{"?limit=0", http.StatusUnprocessableEntity, "limit"},
		{"?limit=101", http.StatusUnprocessableEntity, "limit"},
		{"?offset=-1", http.StatusUnprocessableEntity, "offset"},
		{"?limit=ten", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, "/api/feedback"+tt.query, nil, token)
			assertStatus(t, rec, tt.code)
			if tt.field != "" {
				assert.Contains(t, decodeEnvelope(t, rec).Details, tt.field)
			}
		})
	}
}

func TestFeedbackHandler_GetByID(t *testing.T) {
	s := newTestServer(t)
	token := s.staffToken(t)
	fb := s.seedFeedback(t, "ER", "x", models.StatusPendingAnalysis)

	rec := s.do(t, http.MethodGet, "/api/feedback/"+fb.ID.String(), nil, token)
	assertStatus(t, rec, http.StatusOK)
	var got models.Feedback
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &got))
	assert.Equal(t, fb.ID, got.ID)

	rec = s.do(t, http.MethodGet, "/api/feedback/"+uuid.NewString(), nil, token)
	assertStatus(t, rec, http.StatusNotFound)

	rec = s.do(t, http.MethodGet, "/api/feedback/not-a-uuid", nil, token)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestFeedbackHandler_Reprocess(t *testing.T) {
	s := newTestServer(t)
	token := s.staffToken(t)
	pending := s.seedFeedback(t, "ER", "stuck", models.StatusPendingAnalysis)
	failed := s.seedFeedback(t, "ER", "gave up", models.StatusAnalysisFailed)

	rec := s.do(t, http.MethodPost, "/api/feedback/"+pending.ID.String()+"/reprocess", nil, token)
	assertStatus(t, rec, http.StatusAccepted)
	assert.Equal(t, []string{pending.ID.String()}, s.queue.dispatched())

	rec = s.do(t, http.MethodPost, "/api/feedback/"+failed.ID.String()+"/reprocess", nil, token)
	assertStatus(t, rec, http.StatusConflict)

	rec = s.do(t, http.MethodPost, "/api/feedback/"+uuid.NewString()+"/reprocess", nil, token)
	assertStatus(t, rec, http.StatusNotFound)
}
