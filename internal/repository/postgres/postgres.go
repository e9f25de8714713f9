// Package postgres implements repository.DocumentStore on PostgreSQL via
// pgx. The schema is created on connect; a legacy flat snapshot of document
// records can be imported once at startup.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// schema holds the document table plus the indexes the store relies on.
// The content_hash unique index is partial: failed documents never claim a
// hash, so a retry of the same content is not treated as a duplicate.
const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	category     TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	chunks_count INT  NOT NULL DEFAULT 0,
	media_type   TEXT NOT NULL DEFAULT 'text',
	media_url    TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	metadata     JSONB NOT NULL DEFAULT '{}',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS documents_content_hash_key
	ON documents (content_hash)
	WHERE content_hash <> '' AND status <> 'failed';

CREATE INDEX IF NOT EXISTS documents_status_idx     ON documents (status);
CREATE INDEX IF NOT EXISTS documents_category_idx   ON documents (category);
CREATE INDEX IF NOT EXISTS documents_created_at_idx ON documents (created_at DESC);

CREATE TABLE IF NOT EXISTS snapshot_imports (
	path        TEXT PRIMARY KEY,
	imported_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	documents   INT NOT NULL
);
`

// New creates a connection pool and ensures the schema exists.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
