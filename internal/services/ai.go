package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/medfeedback/backend/internal/config"
	"github.com/medfeedback/backend/pkg/logger"
	"github.com/ollama/ollama/api"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

const classifierSystemPrompt = `You triage patient feedback for a hospital quality team.
Answer with a single JSON object and nothing else, using exactly these keys:
  "sentiment": one of "positive", "neutral", "negative"
  "confidence_score": number between 0 and 1
  "emotions": array of short lowercase emotion tags, most salient first
  "urgency": one of "low", "medium", "high", "critical"
  "urgency_reason": one sentence explaining the urgency
Use "critical" only for patient safety issues, abuse, or a need for immediate follow-up.`

// completeFunc sends the prompts to a provider and returns the raw text.
type completeFunc func(ctx context.Context, system, prompt string) (string, error)

// AIClassifier classifies feedback with one of the supported LLM providers.
type AIClassifier struct {
	provider  string
	model     string
	timeout   time.Duration
	complete  completeFunc
	configErr error
}

func NewAIClassifier(cfg config.ClassifierConfig) *AIClassifier {
	c := &AIClassifier{
		provider: strings.ToLower(cfg.Provider),
		model:    cfg.Model,
		timeout:  cfg.Timeout,
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.provider == "" {
		c.provider = "gemini"
	}

	if cfg.APIKey == "" && c.provider != "ollama" {
		c.configErr = fmt.Errorf("%w: no API key for provider %s", ErrClassifierNotConfigured, c.provider)
		return c
	}

	switch c.provider {
	case "gemini":
		if c.model == "" {
			c.model = "gemini-2.0-flash"
		}
		client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey:      cfg.APIKey,
			Backend:     genai.BackendGeminiAPI,
			HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
		})
		if err != nil {
			c.configErr = fmt.Errorf("%w: gemini client: %v", ErrClassifierNotConfigured, err)
			return c
		}
		c.complete = geminiCompleter(client, c.model)
	case "openai":
		if c.model == "" {
			c.model = openai.GPT4oMini
		}
		clientConfig := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = cfg.BaseURL
		}
		c.complete = openaiCompleter(openai.NewClientWithConfig(clientConfig), c.model)
	case "azure":
		// Model is the deployment name; BaseURL is https://{resource}.openai.azure.com
		if c.model == "" || cfg.BaseURL == "" {
			c.configErr = fmt.Errorf("%w: azure needs model (deployment name) and base_url", ErrClassifierNotConfigured)
			return c
		}
		c.complete = openaiCompleter(openai.NewClientWithConfig(openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)), c.model)
	case "anthropic":
		if c.model == "" {
			c.model = "claude-sonnet-4-20250514"
		}
		opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		c.complete = anthropicCompleter(anthropic.NewClient(opts...), c.model)
	case "ollama":
		if c.model == "" {
			c.model = "llama3"
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			c.configErr = fmt.Errorf("%w: invalid ollama base URL: %v", ErrClassifierNotConfigured, err)
			return c
		}
		c.complete = ollamaCompleter(api.NewClient(u, http.DefaultClient), c.model)
	default:
		c.configErr = fmt.Errorf("%w: unknown provider %q", ErrClassifierNotConfigured, cfg.Provider)
	}
	return c
}

// Configured reports whether Classify can reach a provider at all.
func (c *AIClassifier) Configured() bool { return c.configErr == nil }

func (c *AIClassifier) Provider() string { return c.provider }

func (c *AIClassifier) Classify(ctx context.Context, req *ClassifyRequest) (*ClassificationResult, error) {
	if c.configErr != nil {
		return nil, PermanentError(c.configErr)
	}
	if req == nil || strings.TrimSpace(req.Text) == "" {
		return nil, PermanentError(errors.New("empty feedback text"))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	content, err := c.complete(ctx, classifierSystemPrompt, buildClassificationPrompt(req))
	if err != nil {
		ce := classifyProviderError(ctx, err)
		logger.Warn().Str("provider", c.provider).Str("class", ce.Class.String()).Err(err).Msg("[Classifier] provider call failed")
		return nil, ce
	}

	result, err := ParseClassification(content)
	if err != nil {
		return nil, TransientError(fmt.Errorf("unparsable model output: %w", err), 0)
	}

	logger.Debug().Str("provider", c.provider).Str("model", c.model).
		Dur("latency", time.Since(start)).Str("urgency", string(result.Urgency)).
		Msg("[Classifier] classified")
	return result, nil
}

func buildClassificationPrompt(req *ClassifyRequest) string {
	var b strings.Builder
	b.WriteString("Department: ")
	b.WriteString(req.Department)
	b.WriteString("\n")
	if req.DoctorName != nil && *req.DoctorName != "" {
		b.WriteString("Doctor: ")
		b.WriteString(*req.DoctorName)
		b.WriteString("\n")
	}
	if req.VisitDate != nil {
		b.WriteString("Visit date: ")
		b.WriteString(req.VisitDate.Format("2006-01-02"))
		b.WriteString("\n")
	}
	if req.Rating != nil {
		b.WriteString("Rating (1-5): ")
		b.WriteString(strconv.Itoa(*req.Rating))
		b.WriteString("\n")
	}
	b.WriteString("Feedback:\n\"\"\"\n")
	b.WriteString(req.Text)
	b.WriteString("\n\"\"\"")
	return b.String()
}

func geminiCompleter(client *genai.Client, model string) completeFunc {
	return func(ctx context.Context, system, prompt string) (string, error) {
		resp, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
			ResponseMIMEType:  "application/json",
			Temperature:       genai.Ptr[float32](0.2),
		})
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}
}

func openaiCompleter(client *openai.Client, model string) completeFunc {
	return func(ctx context.Context, system, prompt string) (string, error) {
		resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: system},
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
			Temperature: 0.2,
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		})
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("no choices in response")
		}
		return resp.Choices[0].Message.Content, nil
	}
}

func anthropicCompleter(client anthropic.Client, model string) completeFunc {
	return func(ctx context.Context, system, prompt string) (string, error) {
		resp, err := client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: 512,
			System:    []anthropic.TextBlockParam{{Text: system}},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return "", err
		}

		var content strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				content.WriteString(block.Text)
			}
		}
		return content.String(), nil
	}
}

func ollamaCompleter(client *api.Client, model string) completeFunc {
	return func(ctx context.Context, system, prompt string) (string, error) {
		stream := false
		var content strings.Builder
		err := client.Chat(ctx, &api.ChatRequest{
			Model: model,
			Messages: []api.Message{
				{Role: "system", Content: system},
				{Role: "user", Content: prompt},
			},
			Format:  json.RawMessage(`"json"`),
			Stream:  &stream,
			Options: map[string]interface{}{"temperature": 0.2},
		}, func(resp api.ChatResponse) error {
			content.WriteString(resp.Message.Content)
			return nil
		})
		if err != nil {
			return "", err
		}
		return content.String(), nil
	}
}

// classifyProviderError maps SDK errors onto transient or permanent.
// Timeouts, 408, 429 and 5xx are transient, other 4xx are permanent.
func classifyProviderError(ctx context.Context, err error) *ClassifierError {
	var ce *ClassifierError
	if errors.As(err, &ce) {
		return ce
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return TransientError(fmt.Errorf("classifier timed out: %w", err), 0)
	}
	if errors.Is(err, context.Canceled) {
		return PermanentError(err)
	}

	var oaiAPI *openai.APIError
	if errors.As(err, &oaiAPI) {
		return fromHTTPStatus(oaiAPI.HTTPStatusCode, 0, err)
	}
	var oaiReq *openai.RequestError
	if errors.As(err, &oaiReq) {
		return fromHTTPStatus(oaiReq.HTTPStatusCode, 0, err)
	}

	var antErr *anthropic.Error
	if errors.As(err, &antErr) {
		var retryAfter time.Duration
		if antErr.Response != nil {
			retryAfter = parseRetryAfter(antErr.Response.Header.Get("Retry-After"), time.Now())
		}
		return fromHTTPStatus(antErr.StatusCode, retryAfter, err)
	}

	var genErr genai.APIError
	if errors.As(err, &genErr) {
		return fromHTTPStatus(genErr.Code, 0, err)
	}

	var ollamaErr api.StatusError
	if errors.As(err, &ollamaErr) {
		return fromHTTPStatus(ollamaErr.StatusCode, 0, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return TransientError(err, 0)
	}

	return AsClassifierError(err)
}

func fromHTTPStatus(status int, retryAfter time.Duration, err error) *ClassifierError {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return TransientError(err, retryAfter)
	case status >= 400:
		return PermanentError(err)
	default:
		return TransientError(err, retryAfter)
	}
}

// parseRetryAfter accepts both delta-seconds and HTTP-date values.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
