package llm

import (
	"fmt"
	"log/slog"
	"time"
)

// Provider type tags.
const (
	ProviderOpenAI   = "openai"
	ProviderDeepSeek = "deepseek"
	ProviderLiteLLM  = "litellm"
	ProviderGeneric  = "generic"
)

// defaultEndpoints maps a provider tag to its API base URL. The variants
// all speak the same wire protocol; only the endpoint differs.
var defaultEndpoints = map[string]string{
	ProviderOpenAI:   "https://api.openai.com/v1",
	ProviderDeepSeek: "https://api.deepseek.com/v1",
	ProviderLiteLLM:  "http://localhost:4000/v1",
}

// Config selects and configures the active provider.
type Config struct {
	Provider   string
	Endpoint   string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// New resolves the provider variant from its type tag. A generic provider
// must carry an explicit endpoint.
func New(cfg Config, logger *slog.Logger) (Provider, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoints[cfg.Provider]
	}
	if endpoint == "" {
		if cfg.Provider == ProviderGeneric {
			return nil, fmt.Errorf("generic llm provider requires an endpoint")
		}
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm provider requires a model")
	}

	return NewOpenAIProvider(ProviderConfig{
		Name:       cfg.Provider,
		Endpoint:   endpoint,
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	}), nil
}
