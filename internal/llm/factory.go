package llm

import (
	"fmt"

	"github.com/normanking/cortex-relay/internal/config"
	"github.com/normanking/cortex-relay/pkg/types"
)

// NewProvider creates the completion provider described by configuration.
// The result is wrapped with rate limiting and then MetricsProvider so that
// time spent waiting for a slot is not counted as endpoint latency.
func NewProvider(cfg *config.Config) (*MetricsProvider, error) {
	pc := &ProviderConfig{
		Name:        cfg.LLM.Provider,
		Endpoint:    cfg.LLM.Endpoint,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	}

	provider, err := NewProviderByName(cfg.LLM.Provider, pc)
	if err != nil {
		return nil, err
	}

	limits := RateLimits{
		RequestsPerMinute:  cfg.LLM.RequestsPerMinute,
		ConcurrentRequests: cfg.LLM.MaxConcurrent,
		BurstSize:          DefaultRateLimits(cfg.LLM.Provider).BurstSize,
	}
	if limits.RequestsPerMinute > 0 || limits.ConcurrentRequests > 0 {
		provider = NewRateLimitedProvider(provider, limits)
	}

	return NewMetricsProvider(provider), nil
}

// NewProviderByName creates an unwrapped provider by name.
func NewProviderByName(name string, cfg *ProviderConfig) (Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(cfg), nil
	case "gemini":
		return NewGeminiProvider(cfg), nil
	default:
		return nil, &types.ConfigurationError{
			Field:  "llm.provider",
			Reason: fmt.Sprintf("unknown provider %q (supported: anthropic, gemini)", name),
		}
	}
}
