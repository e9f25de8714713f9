// Package memory provides an in-memory DocumentStore. It backs tests and
// single-process development runs; production deployments use the postgres
// implementation.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/corvohq/rag/internal/repository"
)

// Store is an in-memory, mutex-guarded DocumentStore.
type Store struct {
	mu     sync.RWMutex
	docs   map[string]*repository.Document
	byHash map[string]string // content_hash -> document_id, non-failed only
}

// New creates an empty store.
func New() *Store {
	return &Store{
		docs:   make(map[string]*repository.Document),
		byHash: make(map[string]string),
	}
}

// Upsert inserts or replaces a document and refreshes UpdatedAt.
func (s *Store) Upsert(ctx context.Context, doc *repository.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.ContentHash != "" && doc.Status != repository.StatusFailed {
		if owner, ok := s.byHash[doc.ContentHash]; ok && owner != doc.ID {
			return repository.ErrDuplicateHash
		}
	}

	// Drop any previous hash claim held by this document.
	if prev, ok := s.docs[doc.ID]; ok && prev.ContentHash != "" {
		if s.byHash[prev.ContentHash] == doc.ID {
			delete(s.byHash, prev.ContentHash)
		}
	}

	cp := *doc
	cp.UpdatedAt = time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	if cp.Metadata != nil {
		m := make(map[string]string, len(cp.Metadata))
		for k, v := range cp.Metadata {
			m[k] = v
		}
		cp.Metadata = m
	}

	s.docs[cp.ID] = &cp
	if cp.ContentHash != "" && cp.Status != repository.StatusFailed {
		s.byHash[cp.ContentHash] = cp.ID
	}

	doc.CreatedAt = cp.CreatedAt
	doc.UpdatedAt = cp.UpdatedAt
	return nil
}

// Get retrieves a document by ID.
func (s *Store) Get(ctx context.Context, id string) (*repository.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

// Exists reports whether a document ID is present.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[id]
	return ok, nil
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if doc.ContentHash != "" && s.byHash[doc.ContentHash] == id {
		delete(s.byHash, doc.ContentHash)
	}
	delete(s.docs, id)
	return nil
}

// FindByContentHash returns the non-failed document owning hash.
func (s *Store) FindByContentHash(ctx context.Context, hash string) (*repository.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s.docs[id]
	return &cp, nil
}

// HashExists reports whether any non-failed document owns hash.
func (s *Store) HashExists(ctx context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byHash[hash]
	return ok, nil
}

// List returns documents ordered by CreatedAt descending.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*repository.Document, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*repository.Document, 0, len(s.docs))
	for _, doc := range s.docs {
		cp := *doc
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

// ChunkIDs reconstructs the chunk ID list for a document.
func (s *Store) ChunkIDs(ctx context.Context, id string) ([]string, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return repository.ChunkIDs(doc.ID, doc.ChunksCount), nil
}

// Count returns the number of stored documents.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs), nil
}

// Ensure Store implements the interface.
var _ repository.DocumentStore = (*Store)(nil)
