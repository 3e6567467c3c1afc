package llm

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunker_SmallContentSingleChunk(t *testing.T) {
	chunker := Chunker{MaxChunkSize: 3000, Overlap: 200}

	content := "This note fits in one chunk. No splitting should happen."
	chunks, err := chunker.Chunk(content)
	require.NoError(t, err)

	require.Len(t, chunks, 1)
	assert.Equal(t, content, chunks[0])
}

func TestChunker_EmptyContent(t *testing.T) {
	chunker := Chunker{MaxChunkSize: 3000, Overlap: 200}

	chunks, err := chunker.Chunk("   \n\t ")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestChunker_LargeContentSplitsWithOverlap(t *testing.T) {
	chunker := Chunker{MaxChunkSize: 500, Overlap: 50}

	// Distinct sentences so deduplication cannot collapse chunks.
	var builder strings.Builder
	for i := 0; i < 400; i++ {
		fmt.Fprintf(&builder, "Sentence number %d covers subject %d in some depth. ", i, i%7)
	}
	content := builder.String()
	require.Greater(t, EstimateTokens(content), chunker.MaxChunkSize)

	chunks, err := chunker.Chunk(content)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1, "content of %d tokens must split", EstimateTokens(content))

	for i, chunk := range chunks {
		assert.LessOrEqual(t, EstimateTokens(chunk), chunker.MaxChunkSize,
			"chunk %d exceeds the size limit", i)
	}

	// The overlap seeds each chunk with the tail of its predecessor.
	for i := 1; i < len(chunks); i++ {
		first := splitSentences(chunks[i])[0]
		assert.Contains(t, chunks[i-1], first,
			"chunk %d must start with sentences carried over from chunk %d", i, i-1)
	}
}

func TestSplitSentences_KeepsTerminatorsAndDecimals(t *testing.T) {
	sentences := splitSentences("Pi is roughly 3.14159 in short form. The estimate held! Was it enough?")

	require.Len(t, sentences, 3)
	assert.Contains(t, sentences[0], "3.14159", "decimal points are not sentence boundaries")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(sentences[1]), "!"))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(sentences[2]), "?"))
}

func TestChunkingEmbedder_ShortContentMatchesInner(t *testing.T) {
	inner := NewHashEmbedder(32)
	embedder := NewChunkingEmbedder(inner)

	text := "short content, one chunk"
	direct, err := inner.Embed(context.Background(), text)
	require.NoError(t, err)
	wrapped, err := embedder.Embed(context.Background(), text)
	require.NoError(t, err)

	assert.Equal(t, direct, wrapped)
	assert.Equal(t, inner.GetModel(), embedder.GetModel())
}

func TestChunkingEmbedder_PoolsLongContent(t *testing.T) {
	embedder := &ChunkingEmbedder{
		inner:   NewHashEmbedder(32),
		chunker: Chunker{MaxChunkSize: 40, Overlap: 8},
	}

	var builder strings.Builder
	for i := 0; i < 60; i++ {
		fmt.Fprintf(&builder, "Paragraph %d has its own words entirely. ", i)
	}

	vec, err := embedder.Embed(context.Background(), builder.String())
	require.NoError(t, err)
	require.Len(t, vec, 32)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 0.001, "pooled vector must be re-normalised")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 25, EstimateTokens(strings.Repeat("x", 100)))
}
