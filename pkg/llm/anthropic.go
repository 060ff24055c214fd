package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
	"go.uber.org/zap"
)

// AnthropicGenerator uses the Anthropic Messages API.
type AnthropicGenerator struct {
	client      *anthropic.Client
	model       string
	maxTokens   int
	temperature float32
	logger      *zap.Logger
}

var _ Generator = (*AnthropicGenerator)(nil)

// NewAnthropicGenerator creates a generator. baseURL overrides the public API
// endpoint when set.
func NewAnthropicGenerator(apiKey, model, baseURL string, maxTokens int, temperature float64, logger *zap.Logger) (*AnthropicGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}

	var opts []anthropic.ClientOption
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}
	return &AnthropicGenerator{
		client:      anthropic.NewClient(apiKey, opts...),
		model:       model,
		maxTokens:   maxTokens,
		temperature: float32(temperature),
		logger:      logger.Named("llm-anthropic"),
	}, nil
}

func (g *AnthropicGenerator) Generate(ctx context.Context, prompt string, gc GenerationContext) (*Generation, error) {
	start := time.Now()
	text := buildPrompt(prompt, gc)

	resp, err := g.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:       anthropic.Model(g.model),
		MaxTokens:   g.maxTokens,
		System:      systemPrompt,
		Temperature: &g.temperature,
		Messages: []anthropic.Message{
			{Role: anthropic.RoleUser, Content: []anthropic.MessageContent{
				{Type: "text", Text: &text},
			}},
		},
	})
	if err != nil {
		g.logger.Error("LLM request failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, ClassifyError(err).withContext(g.model, "")
	}

	reply := ""
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != nil {
			reply = *block.Text
			break
		}
	}
	if reply == "" {
		return nil, NewError(ErrorTypeResponse, "no text in response", true, nil)
	}

	g.logger.Info("LLM request completed",
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens),
		zap.Duration("elapsed", time.Since(start)))

	return parseGeneration(reply)
}
