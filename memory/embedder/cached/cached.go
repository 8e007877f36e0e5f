// Package cached wraps an Embedder with a ristretto read-through cache.
//
// The embedding service is deterministic for identical input, so caching is
// transparent. It pays off on the query path: every /chat request embeds
// the rendered recent-context window and the question, which repeat heavily
// within a conversation.
package cached

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/mnemo-labs/mnemo/memory"
)

// DefaultMaxBytes bounds the cache at roughly 32 MiB of vectors.
const DefaultMaxBytes = 32 << 20

// Embedder is a caching decorator around another Embedder.
type Embedder struct {
	inner memory.Embedder
	cache *ristretto.Cache
}

// New wraps inner with a cache of at most maxBytes of stored vectors.
// maxBytes <= 0 uses DefaultMaxBytes.
func New(inner memory.Embedder, maxBytes int64) (*Embedder, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("cached: create cache: %w", err)
	}
	return &Embedder{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector for text, or embeds and caches it.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(text, vec, int64(len(vec)*4))
	return vec, nil
}

// Dimensions returns the wrapped embedder's vector size.
func (e *Embedder) Dimensions() int {
	return e.inner.Dimensions()
}

// Close releases cache resources.
func (e *Embedder) Close() {
	e.cache.Close()
}
