package llm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/config"
)

// NewGenerator builds the configured provider behind a circuit breaker.
func NewGenerator(cfg config.LLMConfig, logger *zap.Logger) (Generator, error) {
	var (
		g   Generator
		err error
	)
	switch cfg.Provider {
	case "openai":
		g, err = NewOpenAIGenerator(cfg.Endpoint, cfg.Model, cfg.APIKey, cfg.Temp, logger)
	case "anthropic":
		g, err = NewAnthropicGenerator(cfg.APIKey, cfg.Model, cfg.Endpoint, cfg.MaxTokens, cfg.Temp, logger)
	case "static":
		logger.Warn("Using static LLM provider; answers are empty narratives")
		return NewStaticGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s generator: %w", cfg.Provider, err)
	}

	logger.Info("LLM generator configured",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model))
	return WithCircuitBreaker(g, NewCircuitBreaker(DefaultCircuitBreakerConfig())), nil
}
