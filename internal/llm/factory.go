package llm

import (
	"fmt"
	"time"
)

// Config selects and tunes the embedding provider.
type Config struct {
	// Provider is one of "ollama", "openai", "local" or "none".
	Provider string

	// BaseURL overrides the provider endpoint (ollama, openai).
	BaseURL string

	// APIKey authenticates hosted providers (openai).
	APIKey string

	// Model is the embedding model name; empty uses the provider default.
	Model string

	// Timeout bounds each embedding request; zero uses the provider default.
	Timeout time.Duration

	// CacheSize is the LRU size for the embedding cache (default 1024).
	CacheSize int
}

// NewEmbedder builds the configured embedding pipeline: provider client,
// wrapped with chunked embedding for long content, wrapped with an LRU
// cache. Provider "none" returns (nil, nil); callers treat a nil Embedder
// as semantic indexing disabled.
func NewEmbedder(cfg Config) (Embedder, error) {
	var base Embedder

	switch cfg.Provider {
	case "ollama", "":
		base = NewOllamaClient(OllamaConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	case "openai":
		base = NewOpenAIClient(OpenAIConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
		})
	case "local":
		base = NewHashEmbedder(0)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q", cfg.Provider)
	}

	cached, err := NewCachingEmbedder(NewChunkingEmbedder(base), cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding cache: %w", err)
	}
	return cached, nil
}
