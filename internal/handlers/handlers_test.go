package handlers

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/medfeedback/backend/internal/config"
	"github.com/medfeedback/backend/internal/middleware"
	"github.com/medfeedback/backend/internal/models"
	"github.com/medfeedback/backend/internal/services"
	"github.com/medfeedback/backend/internal/utils"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testJWTSecret = "handlers-test-secret"

func init() {
	gin.SetMode(gin.TestMode)
	utils.SetJWTSecret(testJWTSecret)
}

type envelope struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data"`
	Details map[string]string `json:"details"`
}

// queueStub records dispatched ids without running anything.
type queueStub struct {
	mu  sync.Mutex
	ids []string
}

func (q *queueStub) Dispatch(feedbackID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, feedbackID)
	return nil
}

func (q *queueStub) IsAsync() bool { return false }
func (q *queueStub) Close() error  { return nil }

func (q *queueStub) dispatched() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type testServer struct {
	db     *gorm.DB
	queue  *queueStub
	hub    *services.EventHub
	router *gin.Engine
}

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

// newTestServer wires the handlers the way the server binary does, with a
// recording queue in place of the analysis pipeline.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := newTestDB(t)
	queue := &queueStub{}
	hub := services.NewEventHub()

	authService := services.NewAuthService(db, &config.JWTConfig{Secret: testJWTSecret, ExpireHour: 1})
	feedback := NewFeedbackHandler(services.NewFeedbackService(db, queue), services.NewFeedbackQueryService(db))
	analytics := NewAnalyticsHandler(services.NewAnalyticsService(db))
	auth := NewAuthHandler(authService)

	r := gin.New()
	r.GET("/health", NewHealthHandler(db, hub, queue).CheckHealth)
	api := r.Group("/api")
	api.POST("/feedback", feedback.Create)
	api.POST("/auth/login", auth.Login)

	protected := api.Group("", middleware.AuthRequired(), middleware.StaffRequired())
	protected.GET("/auth/me", auth.GetCurrentUser)
	protected.GET("/feedback", feedback.List)
	protected.GET("/feedback/:id", feedback.GetByID)
	protected.POST("/feedback/:id/reprocess", feedback.Reprocess)
	protected.GET("/analytics/summary", analytics.Summary)
	protected.GET("/analytics/trends", analytics.Trends)
	protected.GET("/events", NewSSEHandler(hub).StreamEvents)

	admin := api.Group("", middleware.AuthRequired(), middleware.AdminRequired())
	admin.POST("/auth/register", auth.Register)

	return &testServer{db: db, queue: queue, hub: hub, router: r}
}

func (s *testServer) createUser(t *testing.T, username, password, role string) *models.User {
	t.Helper()
	hashed, err := utils.HashPassword(password)
	require.NoError(t, err)
	user := &models.User{Username: username, Password: hashed, Role: role, IsActive: true}
	require.NoError(t, s.db.Create(user).Error)
	return user
}

func (s *testServer) staffToken(t *testing.T) string {
	t.Helper()
	return s.tokenFor(t, s.createUser(t, "nurse-"+uuid.NewString()[:8], "secret", models.RoleStaff))
}

func (s *testServer) adminToken(t *testing.T) string {
	t.Helper()
	return s.tokenFor(t, s.createUser(t, "admin-"+uuid.NewString()[:8], "secret", models.RoleAdmin))
}

func (s *testServer) tokenFor(t *testing.T, user *models.User) string {
	t.Helper()
	token, err := utils.GenerateToken(user.ID, user.Username, user.Role, 1)
	require.NoError(t, err)
	return token
}

func (s *testServer) seedFeedback(t *testing.T, dept, text string, status models.FeedbackStatus) *models.Feedback {
	t.Helper()
	fb := &models.Feedback{
		ID:           uuid.New(),
		Department:   dept,
		FeedbackText: text,
		Rating:       3,
		Status:       status,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.db.Create(fb).Error)
	return fb
}

func (s *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		payload = b
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	require.Equal(t, want, rec.Code, rec.Body.String())
}

var _ services.TaskQueue = (*queueStub)(nil)
