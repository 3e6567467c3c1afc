package llm

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder is a deterministic, offline embedder: tokens are hashed into
// a fixed-dimension bag-of-words vector, L2-normalised. Vectors carry no
// semantic knowledge beyond vocabulary overlap, but they are stable across
// runs, which makes the provider usable without any model server and gives
// tests a real end-to-end embedding path.
type HashEmbedder struct {
	dimension int
}

// NewHashEmbedder creates a hash embedder with the given dimension
// (default 256).
func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension < 8 {
		dimension = 256
	}
	return &HashEmbedder{dimension: dimension}
}

// Embed maps text onto a deterministic vector. Never fails and never blocks.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dimension)

	for _, token := range tokenize(text) {
		hasher := fnv.New64a()
		hasher.Write([]byte(token))
		sum := hasher.Sum64()

		idx := int(sum % uint64(h.dimension))
		// Half the hash bits pick the bucket, one more picks the sign, which
		// spreads vocabulary across the space instead of accumulating on one
		// side.
		if (sum>>63)&1 == 1 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}

	return vec, nil
}

// GetModel returns the synthetic model name recorded with stored vectors.
func (h *HashEmbedder) GetModel() string {
	return "hash-bow-v1"
}

// tokenize lowercases and splits on non-alphanumeric boundaries.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

var _ Embedder = (*HashEmbedder)(nil)
