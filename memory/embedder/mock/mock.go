// Package mock provides a deterministic, offline embedder for tests.
//
// Vectors are derived from a hash of the input text, so identical text
// always embeds identically (the property the real embedding service
// guarantees) while different texts land far apart with high probability.
// There is no semantic similarity.
package mock

import (
	"context"
	"hash/fnv"
	"math"
)

// DefaultDimensions matches the MiniLM models used in production.
const DefaultDimensions = 384

// Embedder generates hash-seeded unit vectors.
type Embedder struct {
	dimensions int
}

// New returns a mock embedder with DefaultDimensions.
func New() *Embedder {
	return NewWithDimensions(DefaultDimensions)
}

// NewWithDimensions returns a mock embedder producing vectors of size dims.
func NewWithDimensions(dims int) *Embedder {
	return &Embedder{dimensions: dims}
}

// Embed produces a deterministic unit vector from the text's hash.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, e.dimensions)
	for i := range vec {
		// LCG keyed by the text hash.
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	normalize(vec)
	return vec, nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

func normalize(vec []float32) {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i := range vec {
		vec[i] /= norm
	}
}
