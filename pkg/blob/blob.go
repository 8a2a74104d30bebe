// Package blob is the boundary to the content-addressed store that
// persists encrypted payloads. Payloads are opaque bytes plus a
// string tag map; identifiers are the SHA-256 of the payload.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNotFound marks a lookup for an unknown blob id.
var ErrNotFound = errors.New("blob: not found")

// Store is the external blob-store contract.
type Store interface {
	// Get retrieves a payload by id.
	Get(ctx context.Context, blobID string) ([]byte, error)

	// Put persists a payload with its tags and returns the
	// content-derived id. Storing identical bytes yields the same
	// id.
	Put(ctx context.Context, data []byte, tags map[string]string) (string, error)

	// Tags returns the tag map stored with a payload.
	Tags(ctx context.Context, blobID string) (map[string]string, error)
}

// ID derives the content address of a payload.
func ID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
