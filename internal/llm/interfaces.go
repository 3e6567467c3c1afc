// Package llm provides embedding clients for the semantic index. All
// providers speak plain HTTP with bounded timeouts and circuit breaker
// protection; a slow or dead provider degrades semantic search, it never
// blocks a save.
package llm

import (
	"context"
	"errors"
)

// ErrEmbeddingTimeout is returned when an embedding request exceeds its
// deadline. Callers treat it as a degradation signal: the write proceeds and
// the record stays pending for the repair pass.
var ErrEmbeddingTimeout = errors.New("embedding request timed out")

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed returns the embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// GetModel returns the model name, recorded alongside stored vectors so
	// a model change can trigger a rebuild.
	GetModel() string
}

// HealthChecker is implemented by embedders that can probe their backend.
// The server surfaces this on its health endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
