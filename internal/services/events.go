package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/medfeedback/backend/internal/config"
	"github.com/medfeedback/backend/internal/models"
	"github.com/medfeedback/backend/pkg/logger"
	"github.com/redis/go-redis/v9"
)

type EventType string

const (
	EventAnalysisCompleted EventType = "analysis_completed"
	EventUrgentAlert       EventType = "urgent_alert"
	EventAnalysisFailed    EventType = "analysis_failed"
)

const (
	textPreviewRunes  = 100
	subscriberBuffer  = 100
	redisPublishLimit = 2 * time.Second
)

// Event is a best-effort staff notification.
type Event struct {
	Type       EventType        `json:"type"`
	FeedbackID string           `json:"feedback_id"`
	Department string           `json:"department,omitempty"`
	Sentiment  models.Sentiment `json:"sentiment,omitempty"`
	Urgency    models.Urgency   `json:"urgency,omitempty"`
	Confidence *float64         `json:"confidence_score,omitempty"`
	// Set on urgent alerts only.
	TextPreview string    `json:"text_preview,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventEmitter must not block the caller and never fails it.
type EventEmitter interface {
	Emit(Event)
}

func completedEvent(fb *models.Feedback, a *models.Analysis) Event {
	confidence := a.ConfidenceScore
	return Event{
		Type:       EventAnalysisCompleted,
		FeedbackID: fb.ID.String(),
		Department: fb.Department,
		Sentiment:  a.Sentiment,
		Urgency:    a.Urgency,
		Confidence: &confidence,
		Timestamp:  time.Now().UTC(),
	}
}

func urgentAlertEvent(fb *models.Feedback, a *models.Analysis) Event {
	ev := Event{
		Type:        EventUrgentAlert,
		FeedbackID:  fb.ID.String(),
		Department:  fb.Department,
		Urgency:     a.Urgency,
		TextPreview: textPreview(fb.FeedbackText),
		Timestamp:   time.Now().UTC(),
	}
	if a.UrgencyReason != nil {
		ev.Reason = *a.UrgencyReason
	}
	return ev
}

func failedEvent(fb *models.Feedback, reason string) Event {
	return Event{
		Type:       EventAnalysisFailed,
		FeedbackID: fb.ID.String(),
		Department: fb.Department,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	}
}

func textPreview(text string) string {
	if p := truncateRunes(text, textPreviewRunes); p != text {
		return p + "..."
	}
	return text
}

// EventHub fans events out to in-process subscribers (the SSE stream).
// Slow subscribers lose events instead of blocking the publisher.
type EventHub struct {
	clients map[string]chan Event
	mu      sync.RWMutex
}

func NewEventHub() *EventHub {
	return &EventHub{clients: make(map[string]chan Event)}
}

func (h *EventHub) Subscribe(clientID string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.clients[clientID]; ok {
		close(old)
	}
	ch := make(chan Event, subscriberBuffer)
	h.clients[clientID] = ch
	return ch
}

func (h *EventHub) Unsubscribe(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[clientID]; ok {
		close(ch)
		delete(h.clients, clientID)
	}
}

func (h *EventHub) Emit(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.clients {
		select {
		case ch <- event:
		default:
			eventsDropped.Inc()
		}
	}
}

func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var (
	globalEventHub *EventHub
	eventHubOnce   sync.Once
)

// GetEventHub returns the process-wide hub.
func GetEventHub() *EventHub {
	eventHubOnce.Do(func() {
		globalEventHub = NewEventHub()
	})
	return globalEventHub
}

// RedisEventPublisher forwards events as JSON to a Redis pub/sub channel
// for consumers outside this process.
type RedisEventPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisEventPublisher(cfg *config.RedisConfig) (*RedisEventPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	channel := cfg.EventsChannel
	if channel == "" {
		channel = "medfeedback:events"
	}
	return &RedisEventPublisher{client: client, channel: channel}, nil
}

func (p *RedisEventPublisher) Emit(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Errorf("[Events] Failed to marshal %s event: %v", event.Type, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisPublishLimit)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		logger.Warn().Err(err).Str("type", string(event.Type)).Str("feedback_id", event.FeedbackID).
			Msg("[Events] Redis publish failed")
	}
}

func (p *RedisEventPublisher) Close() error {
	return p.client.Close()
}

// MultiEmitter sends every event to each emitter in order. A panicking
// emitter does not stop the others.
type MultiEmitter []EventEmitter

func (m MultiEmitter) Emit(event Event) {
	eventsEmitted.WithLabelValues(string(event.Type)).Inc()
	for _, e := range m {
		emitSafely(e, event)
	}
}

func emitSafely(e EventEmitter, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("type", string(event.Type)).Msg("[Events] emitter panicked")
		}
	}()
	e.Emit(event)
}
