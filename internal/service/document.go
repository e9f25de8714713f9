package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/corvohq/rag/internal/ingestion"
	"github.com/corvohq/rag/internal/repository"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// DocumentService fronts document CRUD for the HTTP layer: ingestion via
// the pipeline, listing and lookup via the metadata store.
type DocumentService struct {
	docs     repository.DocumentStore
	pipeline *ingestion.Pipeline
}

// NewDocumentService wires a document service.
func NewDocumentService(docs repository.DocumentStore, pipeline *ingestion.Pipeline) *DocumentService {
	return &DocumentService{docs: docs, pipeline: pipeline}
}

// IngestText validates and ingests raw text.
func (s *DocumentService) IngestText(ctx context.Context, req ingestion.TextRequest) (*ingestion.Result, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidRequest)
	}
	return s.pipeline.IngestText(ctx, req)
}

// IngestFile validates and ingests an upload.
func (s *DocumentService) IngestFile(ctx context.Context, req ingestion.FileRequest) (*ingestion.Result, error) {
	if strings.TrimSpace(req.Title) == "" {
		req.Title = req.Filename
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title or filename is required", ErrInvalidRequest)
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrInvalidRequest)
	}
	return s.pipeline.IngestFile(ctx, req)
}

// List pages through documents, newest first.
func (s *DocumentService) List(ctx context.Context, limit, offset int) ([]*repository.Document, int, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.docs.List(ctx, limit, offset)
}

// Get fetches one document.
func (s *DocumentService) Get(ctx context.Context, id string) (*repository.Document, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: document id is required", ErrInvalidRequest)
	}
	return s.docs.Get(ctx, id)
}

// Delete removes a document and its indexed chunks.
func (s *DocumentService) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: document id is required", ErrInvalidRequest)
	}
	return s.pipeline.Delete(ctx, id)
}
