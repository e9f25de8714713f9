// Package blob stores raw uploaded media and hands back the URL path the
// HTTP layer serves it under.
package blob

import "context"

// Store persists uploaded file bytes keyed by document.
type Store interface {
	// Save writes data under documentID and returns its public URL path.
	Save(ctx context.Context, documentID, filename string, data []byte) (string, error)

	// Delete removes everything stored for documentID. Deleting a
	// document that has no blobs is not an error.
	Delete(ctx context.Context, documentID string) error
}
