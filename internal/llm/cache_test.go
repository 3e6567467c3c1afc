package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder counts provider calls so cache hits are observable.
type countingEmbedder struct {
	inner Embedder
	model string
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) GetModel() string {
	return c.model
}

func TestCachingEmbedder_ServesRepeatsFromCache(t *testing.T) {
	counter := &countingEmbedder{inner: NewHashEmbedder(32), model: "test-model"}
	cached, err := NewCachingEmbedder(counter, 16)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := cached.Embed(ctx, "rotate the api keys")
	require.NoError(t, err)
	second, err := cached.Embed(ctx, "rotate the api keys")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, counter.calls, "second embed must be a cache hit")

	_, err = cached.Embed(ctx, "something else entirely")
	require.NoError(t, err)
	assert.Equal(t, 2, counter.calls)
}

func TestCachingEmbedder_KeyIncludesModel(t *testing.T) {
	counter := &countingEmbedder{inner: NewHashEmbedder(32), model: "model-a"}
	cached, err := NewCachingEmbedder(counter, 16)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = cached.Embed(ctx, "same content")
	require.NoError(t, err)

	// A model switch must not serve vectors computed by the old model.
	counter.model = "model-b"
	_, err = cached.Embed(ctx, "same content")
	require.NoError(t, err)

	assert.Equal(t, 2, counter.calls)
}

func TestCachingEmbedder_EvictsAtCapacity(t *testing.T) {
	counter := &countingEmbedder{inner: NewHashEmbedder(32), model: "test-model"}
	cached, err := NewCachingEmbedder(counter, 2)
	require.NoError(t, err)

	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		_, err := cached.Embed(ctx, text)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, cached.Len())

	// "one" was evicted, so embedding it again hits the provider.
	_, err = cached.Embed(ctx, "one")
	require.NoError(t, err)
	assert.Equal(t, 4, counter.calls)
}
