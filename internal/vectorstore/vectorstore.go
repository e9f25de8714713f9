// Package vectorstore talks to the vector search backend over its HTTP JSON
// API. It covers semantic and hybrid search, batched indexing, and deletion.
package vectorstore

import (
	"context"
	"errors"
)

// ErrUnavailable means the backend could not be reached or timed out.
var ErrUnavailable = errors.New("vector backend unavailable")

// ErrRejected means the backend answered with a non-success status.
var ErrRejected = errors.New("vector backend rejected request")

// ErrProtocol means the backend answered with a payload we cannot parse.
var ErrProtocol = errors.New("vector backend protocol error")

// Document is one chunk submitted for indexing.
type Document struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SearchResult is one scored hit returned by the backend.
type SearchResult struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Store is the vector backend client surface the rest of the service
// depends on.
type Store interface {
	// Search runs pure semantic search.
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)

	// HybridSearch runs weighted hybrid (semantic + keyword) search. The
	// second return reports whether hybrid actually ran: when the backend
	// does not expose it the client degrades to Search and returns false.
	HybridSearch(ctx context.Context, query string, limit int, semanticWeight, keywordWeight float64) ([]SearchResult, bool, error)

	// Index submits text chunks in batches and commits them.
	Index(ctx context.Context, docs []Document) error

	// IndexMultimodal submits media-bearing chunks, falling back to text
	// indexing when the backend has no multimodal endpoint.
	IndexMultimodal(ctx context.Context, docs []Document) error

	// Delete removes chunks by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, ids []string) error

	// Health probes the backend.
	Health(ctx context.Context) error
}
