package blob

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FilesystemStore keeps blobs on local disk under <root>/<document_id>/
// and serves them as /media/<document_id>/<filename>.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates the root directory if needed.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FilesystemStore{root: root}, nil
}

// Root returns the directory blobs are stored under.
func (s *FilesystemStore) Root() string {
	return s.root
}

// Save writes data to disk and returns the /media/... URL path.
func (s *FilesystemStore) Save(ctx context.Context, documentID, filename string, data []byte) (string, error) {
	name := sanitizeFilename(filename)
	dir := filepath.Join(s.root, documentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	return path.Join("/media", documentID, name), nil
}

// Delete removes the document's blob directory.
func (s *FilesystemStore) Delete(ctx context.Context, documentID string) error {
	if documentID == "" {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(s.root, documentID)); err != nil {
		return fmt.Errorf("failed to delete blobs: %w", err)
	}
	return nil
}

// sanitizeFilename strips path components and anything that could escape
// the blob directory.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "..", "")
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "upload"
	}
	return name
}

var _ Store = (*FilesystemStore)(nil)
