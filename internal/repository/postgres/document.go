package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/corvohq/rag/internal/repository"
)

const documentColumns = `id, title, category, description, status, chunks_count,
	media_type, media_url, content_hash, metadata, created_at, updated_at`

// DocumentStore implements repository.DocumentStore.
type DocumentStore struct {
	db *DB
}

// NewDocumentStore creates a new document store.
func NewDocumentStore(db *DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// Upsert inserts or replaces a document and refreshes updated_at.
func (s *DocumentStore) Upsert(ctx context.Context, doc *repository.Document) error {
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			category = EXCLUDED.category,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			chunks_count = EXCLUDED.chunks_count,
			media_type = EXCLUDED.media_type,
			media_url = EXCLUDED.media_url,
			content_hash = EXCLUDED.content_hash,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.Pool.Exec(ctx, query,
		doc.ID, doc.Title, doc.Category, doc.Description, doc.Status,
		doc.ChunksCount, doc.MediaType, doc.MediaURL, doc.ContentHash,
		metadataJSON, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrDuplicateHash
		}
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

// Get retrieves a document by ID.
func (s *DocumentStore) Get(ctx context.Context, id string) (*repository.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	return s.scanDocument(ctx, query, id)
}

// Exists reports whether a document ID is present.
func (s *DocumentStore) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check document existence: %w", err)
	}
	return exists, nil
}

// Delete removes a document.
func (s *DocumentStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.Pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// FindByContentHash returns the non-failed document owning hash.
func (s *DocumentStore) FindByContentHash(ctx context.Context, hash string) (*repository.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents
		WHERE content_hash = $1 AND content_hash <> '' AND status <> 'failed'`
	return s.scanDocument(ctx, query, hash)
}

// HashExists reports whether any non-failed document owns hash.
func (s *DocumentStore) HashExists(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := s.db.Pool.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM documents
		WHERE content_hash = $1 AND content_hash <> '' AND status <> 'failed'
	)`, hash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check hash existence: %w", err)
	}
	return exists, nil
}

// List returns documents ordered by created_at descending plus the total.
func (s *DocumentStore) List(ctx context.Context, limit, offset int) ([]*repository.Document, int, error) {
	var total int
	if err := s.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	query := `SELECT ` + documentColumns + ` FROM documents
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	rows, err := s.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*repository.Document
	for rows.Next() {
		doc, err := scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate documents: %w", err)
	}

	return docs, total, nil
}

// ChunkIDs reconstructs the chunk ID list for a document.
func (s *DocumentStore) ChunkIDs(ctx context.Context, id string) ([]string, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return repository.ChunkIDs(doc.ID, doc.ChunksCount), nil
}

// Count returns the number of stored documents.
func (s *DocumentStore) Count(ctx context.Context) (int, error) {
	var total int
	if err := s.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents`).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return total, nil
}

// snapshotDocument is the legacy flat snapshot record shape.
type snapshotDocument struct {
	ID          string            `json:"document_id"`
	Title       string            `json:"title"`
	Category    string            `json:"category"`
	Description string            `json:"description"`
	Status      string            `json:"status"`
	ChunksCount int               `json:"chunks_count"`
	MediaType   string            `json:"media_type"`
	MediaURL    string            `json:"media_url"`
	ContentHash string            `json:"content_hash"`
	Metadata    map[string]string `json:"metadata"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ImportSnapshot loads a legacy flat snapshot (a JSON array of document
// records) into the store exactly once. The whole import runs in a single
// transaction; the snapshot path is recorded so later startups skip it.
// It returns the number of documents imported (0 when already migrated).
func (s *DocumentStore) ImportSnapshot(ctx context.Context, path string) (int, error) {
	var done bool
	err := s.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM snapshot_imports WHERE path = $1)`, path).Scan(&done)
	if err != nil {
		return 0, fmt.Errorf("failed to check snapshot state: %w", err)
	}
	if done {
		return 0, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var records []snapshotDocument
	if err := json.Unmarshal(data, &records); err != nil {
		return 0, fmt.Errorf("failed to parse snapshot: %w", err)
	}

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin import transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	imported := 0
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if rec.Status == "" {
			rec.Status = repository.StatusIndexed
		}
		if rec.MediaType == "" {
			rec.MediaType = repository.MediaText
		}
		metadataJSON, err := json.Marshal(rec.Metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal snapshot metadata for %s: %w", rec.ID, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO documents (`+documentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO NOTHING
		`, rec.ID, rec.Title, rec.Category, rec.Description, rec.Status,
			rec.ChunksCount, rec.MediaType, rec.MediaURL, rec.ContentHash,
			metadataJSON, rec.CreatedAt, rec.UpdatedAt)
		if err != nil {
			return 0, fmt.Errorf("failed to import document %s: %w", rec.ID, err)
		}
		imported++
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO snapshot_imports (path, documents) VALUES ($1, $2)`, path, imported)
	if err != nil {
		return 0, fmt.Errorf("failed to record snapshot import: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit snapshot import: %w", err)
	}
	return imported, nil
}

func (s *DocumentStore) scanDocument(ctx context.Context, query string, args ...any) (*repository.Document, error) {
	row := s.db.Pool.QueryRow(ctx, query, args...)
	doc, err := scanInto(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanInto(row scannable) (*repository.Document, error) {
	var doc repository.Document
	var metadataJSON []byte

	err := row.Scan(
		&doc.ID, &doc.Title, &doc.Category, &doc.Description, &doc.Status,
		&doc.ChunksCount, &doc.MediaType, &doc.MediaURL, &doc.ContentHash,
		&metadataJSON, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	doc.Metadata = make(map[string]string)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &doc, nil
}

func scanRow(rows pgx.Rows) (*repository.Document, error) {
	doc, err := scanInto(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}
	return doc, nil
}

// Ensure DocumentStore implements the interface.
var _ repository.DocumentStore = (*DocumentStore)(nil)
