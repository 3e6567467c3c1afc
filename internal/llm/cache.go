package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachingEmbedder wraps an Embedder with an in-memory LRU keyed by content
// hash. Re-saving unchanged content and repair re-indexing both hit the
// cache instead of the provider.
type CachingEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

// NewCachingEmbedder wraps inner with an LRU of the given size.
func NewCachingEmbedder(inner Embedder, size int) (*CachingEmbedder, error) {
	if size < 1 {
		size = 1024
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachingEmbedder{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector for previously seen content, otherwise
// delegates to the wrapped embedder and caches the result. Cached slices are
// shared; callers must not mutate returned vectors.
func (c *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.cache.Add(key, vec)
	return vec, nil
}

// GetModel returns the wrapped embedder's model name.
func (c *CachingEmbedder) GetModel() string {
	return c.inner.GetModel()
}

// HealthCheck probes the wrapped embedder when it supports probing.
func (c *CachingEmbedder) HealthCheck(ctx context.Context) error {
	if hc, ok := c.inner.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Len returns the number of cached vectors.
func (c *CachingEmbedder) Len() int {
	return c.cache.Len()
}

// cacheKey derives the cache key from the model and a content digest, so a
// model switch never serves stale vectors.
func (c *CachingEmbedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.inner.GetModel() + ":" + hex.EncodeToString(sum[:])
}

var _ Embedder = (*CachingEmbedder)(nil)
