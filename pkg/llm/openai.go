package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIGenerator talks to any OpenAI-compatible chat completions endpoint.
type OpenAIGenerator struct {
	client      *openai.Client
	endpoint    string
	model       string
	temperature float32
	logger      *zap.Logger
}

var _ Generator = (*OpenAIGenerator)(nil)

// DefaultOpenAIEndpoint is used when no endpoint is configured.
const DefaultOpenAIEndpoint = "https://api.openai.com/v1"

// NewOpenAIGenerator creates a generator for endpoint and model. apiKey may be
// empty for local endpoints.
func NewOpenAIGenerator(endpoint, model, apiKey string, temperature float64, logger *zap.Logger) (*OpenAIGenerator, error) {
	if endpoint == "" {
		endpoint = DefaultOpenAIEndpoint
	}
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}

	clientConfig := openai.DefaultConfig(apiKey)
	clientConfig.BaseURL = strings.TrimSuffix(endpoint, "/")

	return &OpenAIGenerator{
		client:      openai.NewClientWithConfig(clientConfig),
		endpoint:    endpoint,
		model:       model,
		temperature: float32(temperature),
		logger:      logger.Named("llm-openai"),
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string, gc GenerationContext) (*Generation, error) {
	start := time.Now()

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(prompt, gc)},
		},
		Temperature:    g.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		g.logger.Error("LLM request failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, ClassifyError(err).withContext(g.model, g.endpoint)
	}
	if len(resp.Choices) == 0 {
		return nil, NewError(ErrorTypeResponse, "no choices in response", true, nil)
	}

	g.logger.Info("LLM request completed",
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("elapsed", time.Since(start)))

	return parseGeneration(resp.Choices[0].Message.Content)
}
