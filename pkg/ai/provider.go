package ai

import (
	"fmt"
	"strings"
)

// ProviderConfig selects and configures one LLM backend.
type ProviderConfig struct {
	Provider string // gemini (default), ollama, openai
	APIKey   string
	BaseURL  string
	Model    string
	// Dimensions is only read for embedders.
	Dimensions int
}

func (c ProviderConfig) provider() string {
	p := strings.ToLower(strings.TrimSpace(c.Provider))
	if p == "" {
		return "gemini"
	}
	return p
}

// NewGenerator builds the Generator named by cfg.Provider.
func NewGenerator(cfg ProviderConfig) (Generator, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("generation model required")
	}
	switch cfg.provider() {
	case "gemini":
		client, err := NewGeminiClient(cfg.APIKey, WithGeminiBaseURL(cfg.BaseURL))
		if err != nil {
			return nil, err
		}
		return NewGeminiGenerator(client, cfg.Model), nil
	case "ollama":
		return NewOllamaGenerator(NewOllamaClient(cfg.BaseURL), cfg.Model), nil
	case "openai":
		return NewOpenAIGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown generation provider: %s", cfg.Provider)
	}
}

// NewEmbedderFromConfig builds the Embedder named by cfg.Provider.
func NewEmbedderFromConfig(cfg ProviderConfig) (Embedder, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("embedding model required")
	}
	switch cfg.provider() {
	case "gemini":
		client, err := NewGeminiClient(cfg.APIKey, WithGeminiBaseURL(cfg.BaseURL))
		if err != nil {
			return nil, err
		}
		return NewGeminiEmbedder(client, cfg.Model, cfg.Dimensions), nil
	case "ollama":
		if cfg.Dimensions <= 0 {
			return nil, fmt.Errorf("embedding dim required for ollama")
		}
		return NewOllamaEmbedder(NewOllamaClient(cfg.BaseURL), cfg.Model, cfg.Dimensions), nil
	case "openai":
		return NewOpenAIEmbedder(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}
