package llm

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"
)

// Chunker splits long content into embeddable pieces. Splitting is
// sentence-aware so chunk boundaries stay semantically coherent, with
// configurable overlap to preserve context between adjacent chunks.
type Chunker struct {
	MaxChunkSize int // maximum chunk size in tokens (default: 3000)
	Overlap      int // overlap size in tokens (default: 200)
}

// ChunkingEmbedder wraps an Embedder so content longer than the model's
// input window still gets a single vector: the text is chunked, each chunk
// embedded, and the chunk vectors mean-pooled and re-normalised.
type ChunkingEmbedder struct {
	inner   Embedder
	chunker Chunker
}

// NewChunkingEmbedder wraps inner with chunked embedding for long content.
func NewChunkingEmbedder(inner Embedder) *ChunkingEmbedder {
	return &ChunkingEmbedder{
		inner:   inner,
		chunker: Chunker{MaxChunkSize: 3000, Overlap: 200},
	}
}

// Embed returns the embedding for text, mean-pooling over chunks when the
// content exceeds the chunk size.
func (e *ChunkingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	chunks, err := e.chunker.Chunk(text)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("cannot embed empty content")
	}
	if len(chunks) == 1 {
		return e.inner.Embed(ctx, chunks[0])
	}

	var pooled []float32
	for _, chunk := range chunks {
		vec, err := e.inner.Embed(ctx, chunk)
		if err != nil {
			return nil, err
		}
		if pooled == nil {
			pooled = make([]float32, len(vec))
		}
		if len(vec) != len(pooled) {
			return nil, fmt.Errorf("chunk embedding dimension changed mid-content: %d != %d", len(vec), len(pooled))
		}
		for i, v := range vec {
			pooled[i] += v
		}
	}

	n := float32(len(chunks))
	var norm float64
	for i := range pooled {
		pooled[i] /= n
		norm += float64(pooled[i]) * float64(pooled[i])
	}
	// Re-normalise so pooled vectors compare fairly against single-chunk ones
	// under cosine similarity.
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range pooled {
			pooled[i] *= scale
		}
	}

	return pooled, nil
}

// GetModel returns the wrapped embedder's model name.
func (e *ChunkingEmbedder) GetModel() string {
	return e.inner.GetModel()
}

// HealthCheck probes the wrapped embedder when it supports probing.
func (e *ChunkingEmbedder) HealthCheck(ctx context.Context) error {
	if hc, ok := e.inner.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

var _ Embedder = (*ChunkingEmbedder)(nil)

// Chunk splits content into overlapping chunks. Content that fits the chunk
// size is returned as-is; empty chunks are filtered and duplicates removed.
func (c *Chunker) Chunk(content string) ([]string, error) {
	if len(strings.TrimSpace(content)) == 0 {
		return []string{}, nil
	}

	if EstimateTokens(content) <= c.MaxChunkSize {
		return []string{content}, nil
	}

	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return []string{}, nil
	}

	var chunks []string
	var currentChunk strings.Builder
	var currentTokens int
	var previousSentences []string // carried forward for overlap

	for _, sentence := range sentences {
		sentenceTokens := EstimateTokens(sentence)

		if currentTokens+sentenceTokens > c.MaxChunkSize && currentTokens > 0 {
			chunks = append(chunks, currentChunk.String())

			currentChunk.Reset()
			currentTokens = 0

			// Seed the new chunk with as many trailing sentences as fit in
			// the overlap budget.
			overlapTokens := 0
			overlapStart := len(previousSentences)
			for i := len(previousSentences) - 1; i >= 0; i-- {
				sentTokens := EstimateTokens(previousSentences[i])
				if overlapTokens+sentTokens > c.Overlap {
					break
				}
				overlapTokens += sentTokens
				overlapStart = i
			}

			for i := overlapStart; i < len(previousSentences); i++ {
				currentChunk.WriteString(previousSentences[i])
				currentTokens += EstimateTokens(previousSentences[i])
			}

			previousSentences = previousSentences[overlapStart:]
		}

		currentChunk.WriteString(sentence)
		currentTokens += sentenceTokens
		previousSentences = append(previousSentences, sentence)

		// Bound overlap bookkeeping.
		if len(previousSentences) > 50 {
			previousSentences = previousSentences[len(previousSentences)-50:]
		}
	}

	if currentChunk.Len() > 0 {
		chunks = append(chunks, currentChunk.String())
	}

	return dedupeChunks(chunks), nil
}

// EstimateTokens estimates token count with the ~4 characters per token
// heuristic, which is reasonable for English text under GPT-style tokenizers.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// splitSentences splits text on sentence terminators, keeping the terminator
// and trailing space with the sentence.
func splitSentences(text string) []string {
	if len(text) == 0 {
		return []string{}
	}

	var sentences []string
	var current strings.Builder
	runes := []rune(text)

	flush := func() {
		if s := current.String(); len(strings.TrimSpace(s)) > 0 {
			sentences = append(sentences, s)
		}
		current.Reset()
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)

		if r != '.' && r != '!' && r != '?' {
			continue
		}

		if i+1 >= len(runes) {
			flush()
			continue
		}

		next := runes[i+1]
		if !unicode.IsSpace(next) {
			// Likely an abbreviation or decimal; keep going.
			continue
		}

		current.WriteRune(next)
		i++

		// A following uppercase letter marks a sentence boundary.
		if i+1 >= len(runes) || unicode.IsUpper(runes[i+1]) {
			flush()
		}
	}

	if current.Len() > 0 {
		flush()
	}

	return sentences
}

// dedupeChunks removes duplicate chunks while preserving order.
func dedupeChunks(chunks []string) []string {
	if len(chunks) == 0 {
		return chunks
	}

	seen := make(map[string]bool, len(chunks))
	result := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if !seen[chunk] {
			seen[chunk] = true
			result = append(result, chunk)
		}
	}
	return result
}
