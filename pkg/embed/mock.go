package embed

import (
	"context"
	"hash/fnv"
	"math"
)

// Mock is a deterministic embedder for tests. Vectors are derived from a
// hash of the input, so equal texts always embed identically and distinct
// texts are very unlikely to collide.
type Mock struct {
	dimensions int
}

// NewMock creates a mock embedder with the given dimensionality.
func NewMock(dimensions int) *Mock {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &Mock{dimensions: dimensions}
}

func (m *Mock) vector(text string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, m.dimensions)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}

	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = float32(math.Sqrt(float64(norm)))
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

func (m *Mock) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return m.vector(text), nil
}

func (m *Mock) EmbedDocument(_ context.Context, text string) ([]float32, error) {
	return m.vector(text), nil
}

func (m *Mock) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.vector(t)
	}
	return out, nil
}
