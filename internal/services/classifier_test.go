package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/medfeedback/backend/internal/config"
	"github.com/medfeedback/backend/internal/models"
)

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		sentiment  models.Sentiment
		urgency    models.Urgency
		confidence float64
		emotions   []string
	}{
		{
			name:       "plain json",
			content:    `{"sentiment":"negative","confidence_score":0.8,"emotions":["anger"],"urgency":"critical","urgency_reason":"safety"}`,
			sentiment:  models.SentimentNegative,
			urgency:    models.UrgencyCritical,
			confidence: 0.8,
			emotions:   []string{"anger"},
		},
		{
			name:       "markdown fence",
			content:    "```json\n{\"sentiment\":\"Positive\",\"confidence\":0.7,\"emotions\":[],\"urgency\":\"LOW\"}\n```",
			sentiment:  models.SentimentPositive,
			urgency:    models.UrgencyLow,
			confidence: 0.7,
			emotions:   []string{},
		},
		{
			name:       "prose around object",
			content:    `Here is the result: {"sentiment":"neutral","confidence_score":1.7,"emotions":["Calm","calm"," relief "],"urgency":"medium"} hope it helps`,
			sentiment:  models.SentimentNeutral,
			urgency:    models.UrgencyMedium,
			confidence: 1,
			emotions:   []string{"calm", "relief"},
		},
		{
			name:       "negative confidence",
			content:    `{"sentiment":"negative","confidence_score":-3,"urgency":"high"}`,
			sentiment:  models.SentimentNegative,
			urgency:    models.UrgencyHigh,
			confidence: 0,
			emotions:   []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseClassification(tt.content)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Sentiment != tt.sentiment || got.Urgency != tt.urgency {
				t.Errorf("got %s/%s, expected %s/%s", got.Sentiment, got.Urgency, tt.sentiment, tt.urgency)
			}
			if got.Confidence != tt.confidence {
				t.Errorf("Confidence = %v, expected %v", got.Confidence, tt.confidence)
			}
			if strings.Join(got.Emotions, ",") != strings.Join(tt.emotions, ",") {
				t.Errorf("Emotions = %v, expected %v", got.Emotions, tt.emotions)
			}
		})
	}
}

func TestParseClassification_Invalid(t *testing.T) {
	inputs := []string{
		"",
		"no json here",
		`{"sentiment":"angry","urgency":"low"}`,
		`{"sentiment":"negative","urgency":"apocalyptic"}`,
		`{"sentiment":"negative",`,
	}
	for _, in := range inputs {
		if _, err := ParseClassification(in); err == nil {
			t.Errorf("ParseClassification(%q) should fail", in)
		}
	}
}

func TestParseClassification_CapsEmotionsAndReason(t *testing.T) {
	var tags []string
	for i := 0; i < 20; i++ {
		tags = append(tags, fmt.Sprintf("%q", fmt.Sprintf("tag%d", i)))
	}
	content := fmt.Sprintf(`{"sentiment":"negative","urgency":"low","emotions":[%s],"urgency_reason":"%s"}`,
		strings.Join(tags, ","), strings.Repeat("a", 900))

	got, err := ParseClassification(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Emotions) != maxEmotions {
		t.Errorf("len(Emotions) = %d, expected %d", len(got.Emotions), maxEmotions)
	}
	if got.UrgencyReason == nil || len(*got.UrgencyReason) != maxUrgencyReasonRune {
		t.Errorf("UrgencyReason should be cut to %d runes", maxUrgencyReasonRune)
	}
}

func TestAIClassifier_MissingKeyIsPermanent(t *testing.T) {
	for _, provider := range []string{"gemini", "openai", "anthropic", "azure"} {
		c := NewAIClassifier(config.ClassifierConfig{Provider: provider})
		if c.Configured() {
			t.Errorf("%s: should not be configured without a key", provider)
		}

		_, err := c.Classify(context.Background(), &ClassifyRequest{Text: "hello"})
		ce := AsClassifierError(err)
		if ce == nil || ce.Class != FailurePermanent || !errors.Is(err, ErrClassifierNotConfigured) {
			t.Errorf("%s: expected permanent not-configured failure, got %v", provider, err)
		}
	}
}

func TestAIClassifier_UnknownProvider(t *testing.T) {
	c := NewAIClassifier(config.ClassifierConfig{Provider: "carrier-pigeon", APIKey: "k"})
	_, err := c.Classify(context.Background(), &ClassifyRequest{Text: "hello"})
	if AsClassifierError(err).Class != FailurePermanent {
		t.Errorf("expected permanent failure, got %v", err)
	}
}

func TestAIClassifier_AzureNeedsDeploymentAndEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.ClassifierConfig
		configured bool
	}{
		{"no deployment", config.ClassifierConfig{Provider: "azure", APIKey: "k", BaseURL: "https://med.openai.azure.com"}, false},
		{"no endpoint", config.ClassifierConfig{Provider: "azure", APIKey: "k", Model: "gpt-4o-mini"}, false},
		{"complete", config.ClassifierConfig{Provider: "azure", APIKey: "k", Model: "gpt-4o-mini", BaseURL: "https://med.openai.azure.com"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewAIClassifier(tt.cfg)
			if c.Configured() != tt.configured {
				t.Fatalf("Configured() = %v, want %v", c.Configured(), tt.configured)
			}
			if tt.configured {
				return
			}
			_, err := c.Classify(context.Background(), &ClassifyRequest{Text: "hello"})
			if AsClassifierError(err).Class != FailurePermanent || !errors.Is(err, ErrClassifierNotConfigured) {
				t.Errorf("expected permanent not-configured failure, got %v", err)
			}
		})
	}
}

func TestAIClassifier_GeminiReusesClient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-2.0-flash:generateContent") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":%q}]}}]}`,
			`{"sentiment":"positive","confidence_score":0.8,"emotions":["gratitude"],"urgency":"low","urgency_reason":""}`)
	}))
	defer srv.Close()

	c := NewAIClassifier(config.ClassifierConfig{Provider: "gemini", APIKey: "test-key", BaseURL: srv.URL, Timeout: time.Second})
	if !c.Configured() {
		t.Fatal("gemini with a key should be configured")
	}

	for i := 0; i < 2; i++ {
		result, err := c.Classify(context.Background(), &ClassifyRequest{Text: "the night nurses were wonderful"})
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i+1, err)
		}
		if result.Sentiment != models.SentimentPositive {
			t.Errorf("call %d: sentiment = %q", i+1, result.Sentiment)
		}
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("provider calls = %d, want 2", got)
	}
}

func chatCompletionBody(content string) string {
	return fmt.Sprintf(`{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
"choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}]}`, content)
}

func newOpenAIClassifier(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *AIClassifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAIClassifier(config.ClassifierConfig{
		Provider: "openai",
		APIKey:   "test-key",
		BaseURL:  srv.URL + "/v1",
		Timeout:  timeout,
	})
}

func TestAIClassifier_OpenAISuccess(t *testing.T) {
	var gotPath string
	c := newOpenAIClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chatCompletionBody(`{"sentiment":"negative","confidence_score":0.9,"emotions":["frustration"],"urgency":"critical","urgency_reason":"rude staff"}`))
	}, time.Second)

	rating := 2
	result, err := c.Classify(context.Background(), &ClassifyRequest{
		Text:       "long wait, rude staff",
		Department: "Cardiology",
		Rating:     &rating,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/v1/chat/completions" {
		t.Errorf("request path = %q", gotPath)
	}
	if result.Urgency != models.UrgencyCritical || result.Sentiment != models.SentimentNegative {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestAIClassifier_OpenAIFailureClasses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		class  FailureClass
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit_error"}}`, FailureTransient},
		{"server error", http.StatusBadGateway, `{"error":{"message":"upstream","type":"server_error"}}`, FailureTransient},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"bad input","type":"invalid_request_error"}}`, FailurePermanent},
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error"}}`, FailurePermanent},
		{"garbage output", http.StatusOK, chatCompletionBody("I cannot help with that"), FailureTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newOpenAIClassifier(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}, time.Second)

			_, err := c.Classify(context.Background(), &ClassifyRequest{Text: "x"})
			ce := AsClassifierError(err)
			if ce == nil {
				t.Fatal("expected an error")
			}
			if ce.Class != tt.class {
				t.Errorf("class = %s, expected %s (%v)", ce.Class, tt.class, err)
			}
		})
	}
}

func TestAIClassifier_TimeoutIsTransient(t *testing.T) {
	var hits atomic.Int32
	c := newOpenAIClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, 50*time.Millisecond)

	_, err := c.Classify(context.Background(), &ClassifyRequest{Text: "x"})
	ce := AsClassifierError(err)
	if ce == nil || ce.Class != FailureTransient {
		t.Fatalf("expected transient failure, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected one outbound call, got %d", hits.Load())
	}
}

func TestAIClassifier_EmptyTextIsPermanent(t *testing.T) {
	c := newOpenAIClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider should not be called")
	}, time.Second)

	_, err := c.Classify(context.Background(), &ClassifyRequest{Text: "   "})
	if AsClassifierError(err).Class != FailurePermanent {
		t.Errorf("expected permanent failure, got %v", err)
	}
}

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		class  FailureClass
	}{
		{408, FailureTransient},
		{429, FailureTransient},
		{500, FailureTransient},
		{503, FailureTransient},
		{400, FailurePermanent},
		{403, FailurePermanent},
		{404, FailurePermanent},
		{0, FailureTransient},
	}
	for _, tt := range tests {
		if got := fromHTTPStatus(tt.status, 0, errors.New("x")); got.Class != tt.class {
			t.Errorf("fromHTTPStatus(%d) = %s, expected %s", tt.status, got.Class, tt.class)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"-1", 0},
		{"soon", 0},
		{now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %s, expected %s", tt.in, got, tt.want)
		}
	}
}

func TestAsClassifierError(t *testing.T) {
	if AsClassifierError(nil) != nil {
		t.Error("nil should stay nil")
	}
	if AsClassifierError(context.Canceled).Class != FailurePermanent {
		t.Error("cancelled caller should not be retried")
	}
	wrapped := fmt.Errorf("call: %w", TransientError(errors.New("x"), time.Second))
	if ce := AsClassifierError(wrapped); ce.Class != FailureTransient || ce.RetryAfter != time.Second {
		t.Errorf("wrapped ClassifierError not recovered: %+v", ce)
	}
}

func TestBuildClassificationPrompt(t *testing.T) {
	doctor := "Dr. Rao"
	rating := 2
	visit := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	prompt := buildClassificationPrompt(&ClassifyRequest{
		Text:       "long wait, rude staff",
		Department: "Cardiology",
		DoctorName: &doctor,
		VisitDate:  &visit,
		Rating:     &rating,
	})

	for _, want := range []string{"Department: Cardiology", "Doctor: Dr. Rao", "Visit date: 2024-03-09", "Rating (1-5): 2", "long wait, rude staff"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}
