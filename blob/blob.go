// Package blob defines the remote object store the memory service syncs
// archives and attachments through.
//
// Implementations: supabase (Supabase Storage, production) and fsstore
// (local filesystem, development and tests).
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Download when no object exists under the key.
// Callers treat it as "start empty", never as a hard failure.
var ErrNotFound = errors.New("blob: object not found")

// Store is a flat key/value object store with upsert upload semantics.
type Store interface {
	// Download returns the object stored under key, or ErrNotFound.
	Download(ctx context.Context, key string) ([]byte, error)

	// Upload stores data under key, replacing any existing object.
	Upload(ctx context.Context, key string, data []byte) error
}
