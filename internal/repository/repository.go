// Package repository defines the document metadata model and the persistence
// interface backing it. The store never persists chunk rows; chunk IDs are a
// pure function of the document ID and the stored chunk count.
package repository

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateHash is returned when an upsert would violate the content-hash
// uniqueness invariant across non-failed documents.
var ErrDuplicateHash = errors.New("duplicate content hash")

// Status values for a document's lifecycle.
const (
	StatusIndexed    = "indexed"
	StatusProcessing = "processing"
	StatusFailed     = "failed"
)

// Media types for ingested content.
const (
	MediaText     = "text"
	MediaImage    = "image"
	MediaVideo    = "video"
	MediaAudio    = "audio"
	MediaDocument = "document"
)

// chunkIDSep joins a document ID and a chunk index into a chunk ID.
const chunkIDSep = "_chunk_"

// Document represents an ingested document's metadata.
type Document struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Category    string            `json:"category,omitempty"`
	Description string            `json:"description,omitempty"`
	Status      string            `json:"status"`
	ChunksCount int               `json:"chunks_count"`
	MediaType   string            `json:"media_type,omitempty"`
	MediaURL    string            `json:"media_url,omitempty"`
	ContentHash string            `json:"-"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// DocumentStore defines operations for document metadata persistence.
// Implementations must enforce content-hash uniqueness across documents
// whose status is not "failed".
type DocumentStore interface {
	// Upsert inserts or replaces a document and refreshes UpdatedAt.
	Upsert(ctx context.Context, doc *Document) error

	// Get retrieves a document by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Document, error)

	// Exists reports whether a document ID is present.
	Exists(ctx context.Context, id string) (bool, error)

	// Delete removes a document, or returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// FindByContentHash returns the document owning hash, or ErrNotFound.
	FindByContentHash(ctx context.Context, hash string) (*Document, error)

	// HashExists reports whether any non-failed document owns hash.
	HashExists(ctx context.Context, hash string) (bool, error)

	// List returns documents ordered by CreatedAt descending, plus the
	// total count before pagination.
	List(ctx context.Context, limit, offset int) ([]*Document, int, error)

	// ChunkIDs reconstructs the chunk ID list for a document from its
	// stored chunk count.
	ChunkIDs(ctx context.Context, id string) ([]string, error)

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)
}

// NewDocumentID generates an opaque document ID of the form
// doc_<timebase36>_<rand36>.
func NewDocumentID() string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	r := strconv.FormatUint(rand.Uint64()%(36*36*36*36*36*36), 36)
	return fmt.Sprintf("doc_%s_%s", ts, r)
}

// ChunkID derives the ID of chunk index for a document.
func ChunkID(documentID string, index int) string {
	return documentID + chunkIDSep + strconv.Itoa(index)
}

// ChunkIDs derives the dense chunk ID list [0, n) for a document.
func ChunkIDs(documentID string, n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, ChunkID(documentID, i))
	}
	return ids
}

// ParseChunkID splits "<document_id>_chunk_<n>" into its parts. It reports
// false for IDs that do not follow the convention.
func ParseChunkID(chunkID string) (documentID string, index int, ok bool) {
	i := strings.LastIndex(chunkID, chunkIDSep)
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(chunkID[i+len(chunkIDSep):])
	if err != nil || n < 0 {
		return "", 0, false
	}
	return chunkID[:i], n, true
}
