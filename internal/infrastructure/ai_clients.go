package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	core "charm.land/fantasy"
	provideropenai "charm.land/fantasy/providers/openai"
	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
)

// ErrNotConfigured is returned by a generative backend that has no credentials.
var ErrNotConfigured = errors.New("backend not configured")

const (
	defaultMaxOutputTokens = 500
	defaultTemperature     = 0.7
)

type languageModelProvider interface {
	LanguageModel(ctx context.Context, modelID string) (core.LanguageModel, error)
}

// GeminiClient talks to Gemini through its OpenAI-compatible endpoint.
type GeminiClient struct {
	provider languageModelProvider
	modelID  string
	timeout  time.Duration
	generate func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error)
}

// NewGeminiClient returns an unconfigured client when apiKey is empty.
func NewGeminiClient(apiKey, baseURL, modelID string, timeout time.Duration) (*GeminiClient, error) {
	c := &GeminiClient{modelID: modelID, timeout: timeout, generate: generateWithAgent}
	if strings.TrimSpace(apiKey) == "" {
		return c, nil
	}
	opts := []provideropenai.Option{provideropenai.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, provideropenai.WithBaseURL(baseURL))
	}
	p, err := provideropenai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize gemini provider: %w", err)
	}
	c.provider = p
	return c, nil
}

func (c *GeminiClient) Name() string     { return "gemini" }
func (c *GeminiClient) Configured() bool { return c.provider != nil }

func (c *GeminiClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	model, err := c.provider.LanguageModel(ctx, c.modelID)
	if err != nil {
		return "", fmt.Errorf("resolve language model: %w", err)
	}
	maxTokens := int64(defaultMaxOutputTokens)
	temperature := defaultTemperature
	call := core.AgentCall{
		Prompt:          prompt,
		MaxOutputTokens: &maxTokens,
		Temperature:     &temperature,
	}
	if system != "" {
		call.Messages = []core.Message{{
			Role:    core.MessageRoleSystem,
			Content: []core.MessagePart{core.TextPart{Text: system}},
		}}
	}

	result, err := c.generate(ctx, model, call)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := extractText(result.Response.Content)
	if text == "" {
		return "", errors.New("gemini returned no text")
	}
	return text, nil
}

func extractText(content core.ResponseContent) string {
	lines := make([]string, 0)
	for _, part := range content {
		if part.GetType() != core.ContentTypeText {
			continue
		}
		textPart, ok := core.AsContentType[core.TextContent](part)
		if !ok {
			continue
		}
		if line := strings.TrimSpace(textPart.Text); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func generateWithAgent(ctx context.Context, model core.LanguageModel, call core.AgentCall) (*core.AgentResult, error) {
	return core.NewAgent(model).Generate(ctx, call)
}

// OpenAIClient uses the Responses API.
type OpenAIClient struct {
	client     *osdk.Client
	model      string
	timeout    time.Duration
	configured bool
}

// NewOpenAIClient returns an unconfigured client when apiKey is empty.
func NewOpenAIClient(apiKey, baseURL, model string, timeout time.Duration) *OpenAIClient {
	c := &OpenAIClient{model: model, timeout: timeout}
	if strings.TrimSpace(apiKey) == "" {
		return c
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(1)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	client := osdk.NewClient(opts...)
	c.client = &client
	c.configured = true
	return c
}

func (c *OpenAIClient) Name() string     { return "openai" }
func (c *OpenAIClient) Configured() bool { return c.configured }

func (c *OpenAIClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	if !c.configured {
		return "", ErrNotConfigured
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	params := responses.ResponseNewParams{
		Model:           c.model,
		Input:           responses.ResponseNewParamsInputUnion{OfString: osdk.String(prompt)},
		MaxOutputTokens: osdk.Int(defaultMaxOutputTokens),
		Temperature:     osdk.Float(defaultTemperature),
	}
	if system != "" {
		params.Instructions = osdk.String(system)
	}
	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai generate: %w", err)
	}
	text := strings.TrimSpace(resp.OutputText())
	if text == "" {
		return "", errors.New("openai returned no text")
	}
	return text, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
