// Package provider selects and constructs vision-capable chat clients.
package provider

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/labshot/labshot/ai/anthropic"
	"github.com/labshot/labshot/ai/openrouter"
	"github.com/labshot/labshot/am"
)

// Provider represents an LLM provider type
type Provider string

const (
	// ProviderLocal uses local inference (Ollama, LocalAI)
	ProviderLocal Provider = "local"
	// ProviderOpenRouter uses OpenRouter.ai API
	ProviderOpenRouter Provider = "openrouter"
	// ProviderAnthropic uses direct Anthropic API
	ProviderAnthropic Provider = "anthropic"
	// ProviderAuto automatically selects based on configuration
	ProviderAuto Provider = "auto"
)

// AIClient interface for all LLM providers
type AIClient interface {
	Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error)
}

// NewAIClient creates an AI client from the inference config (auto-selection).
func NewAIClient(cfg *am.InferenceConfig, logger *zap.SugaredLogger) AIClient {
	p, err := ParseProvider(cfg.Provider)
	if err != nil {
		p = ProviderAuto
	}
	return NewAIClientWithProvider(cfg, p, logger)
}

// NewAIClientWithProvider creates an AI client for a specific provider.
// Use ProviderAuto to let the factory decide based on configuration.
func NewAIClientWithProvider(cfg *am.InferenceConfig, provider Provider, logger *zap.SugaredLogger) AIClient {
	if provider == ProviderAuto {
		provider = autoSelect(cfg)
	}
	switch provider {
	case ProviderLocal:
		return NewLocalClient(LocalConfig{
			BaseURL:        cfg.LocalEndpoint,
			Model:          cfg.Model,
			Temperature:    cfg.Temperature,
			MaxTokens:      cfg.MaxOutputTokens,
			TimeoutSeconds: cfg.TimeoutSeconds,
			MaxRetries:     cfg.MaxRetries,
			Logger:         logger,
		})
	case ProviderAnthropic:
		c := anthropic.Config{
			APIKey:         cfg.APIKey,
			Model:          cfg.Model,
			TimeoutSeconds: cfg.TimeoutSeconds,
			MaxRetries:     cfg.MaxRetries,
			Logger:         logger,
		}
		if cfg.Temperature != nil {
			c.Temperature = *cfg.Temperature
		}
		if cfg.MaxOutputTokens != nil {
			c.MaxTokens = *cfg.MaxOutputTokens
		}
		return anthropic.NewClient(c)
	default:
		return openrouter.NewClient(openrouter.Config{
			APIKey:         cfg.APIKey,
			Model:          cfg.Model,
			Temperature:    cfg.Temperature,
			MaxTokens:      cfg.MaxOutputTokens,
			TimeoutSeconds: cfg.TimeoutSeconds,
			MaxRetries:     cfg.MaxRetries,
			Logger:         logger,
		})
	}
}

// autoSelect picks a provider from what the config makes usable.
// Priority: no API key → local, Anthropic-shaped key → anthropic, else openrouter.
func autoSelect(cfg *am.InferenceConfig) Provider {
	if cfg.APIKey == "" {
		return ProviderLocal
	}
	if strings.HasPrefix(cfg.APIKey, "sk-ant-") || strings.HasPrefix(cfg.Model, "claude") {
		return ProviderAnthropic
	}
	return ProviderOpenRouter
}

// ParseProvider converts a string to a Provider type
func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(s) {
	case "local", "ollama", "localai":
		return ProviderLocal, nil
	case "openrouter", "or":
		return ProviderOpenRouter, nil
	case "anthropic", "claude":
		return ProviderAnthropic, nil
	case "auto", "":
		return ProviderAuto, nil
	default:
		return "", fmt.Errorf("unknown provider: %s (valid: local, openrouter, anthropic, auto)", s)
	}
}

// Verify interfaces are implemented
var _ AIClient = (*openrouter.Client)(nil)
var _ AIClient = (*anthropic.Client)(nil)
var _ AIClient = (*LocalClient)(nil)
