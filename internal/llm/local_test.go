package llm

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func TestHashEmbedder_DeterministicAndNormalised(t *testing.T) {
	embedder := NewHashEmbedder(64)
	ctx := context.Background()

	first, err := embedder.Embed(ctx, "remember to water the plants")
	require.NoError(t, err)
	second, err := embedder.Embed(ctx, "remember to water the plants")
	require.NoError(t, err)

	require.Len(t, first, 64)
	assert.Equal(t, first, second, "same text must produce the same vector")

	var norm float64
	for _, v := range first {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 0.001)
}

func TestHashEmbedder_VocabularyOverlapScoresHigher(t *testing.T) {
	embedder := NewHashEmbedder(0) // default dimension
	ctx := context.Background()

	query, err := embedder.Embed(ctx, "rotate the api keys")
	require.NoError(t, err)
	near, err := embedder.Embed(ctx, "we should rotate api keys this week")
	require.NoError(t, err)
	far, err := embedder.Embed(ctx, "grocery list eggs flour coffee")
	require.NoError(t, err)

	assert.Greater(t, cosine(query, near), cosine(query, far))
}

func TestHashEmbedder_TinyDimensionFallsBack(t *testing.T) {
	embedder := NewHashEmbedder(2)

	vec, err := embedder.Embed(context.Background(), "anything")
	require.NoError(t, err)
	assert.Len(t, vec, 256)
	assert.Equal(t, "hash-bow-v1", embedder.GetModel())
}

func TestTokenize(t *testing.T) {
	tokens := tokenize("Hello, World! 3rd time's the charm.")
	assert.Equal(t, []string{"hello", "world", "3rd", "time", "s", "the", "charm"}, tokens)
}
