// Package memory provides the per-session semantic index of embedded chat
// fragments.
//
// Each session owns one VectorMemory: an in-process chromem-go collection
// for nearest-neighbor retrieval plus an ordered fragment manifest that is
// what actually travels to the remote store, as a zip archive, between
// requests.
//
// Architecture:
//   - VectorMemory: fragment index with open/add/query/export/close lifecycle
//   - Embedder: text-to-vector conversion (mock for tests, ONNX MiniLM for
//     local deployments, ristretto-cached wrapper for either)
//   - archive.Adapter: serialization to the remote blob store
//
// Fragments are append-only. The only paths that free a session's local
// state are Close and a merge into another session.
package memory

import "context"

// Embedder converts text to vector embeddings. Embeddings must be
// deterministic for identical input; the cached wrapper relies on that.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}
