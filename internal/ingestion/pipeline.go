package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/corvohq/rag/internal/blob"
	"github.com/corvohq/rag/internal/repository"
	"github.com/corvohq/rag/internal/vectorstore"
)

// ErrEmptyContent is returned when an ingest request carries no usable text.
var ErrEmptyContent = errors.New("content cannot be empty")

// TextRequest ingests raw text.
type TextRequest struct {
	Title       string
	Content     string
	Category    string
	Description string
	Metadata    map[string]string
}

// FileRequest ingests an uploaded file.
type FileRequest struct {
	Title       string
	Filename    string
	Data        []byte
	MIME        string
	Category    string
	Description string
	Metadata    map[string]string
}

// Result reports what happened to an ingest request. A failed index is not
// a transport error: the document is recorded as failed and Result carries
// the reason, so Status must be checked.
type Result struct {
	DocumentID  string `json:"document_id"`
	Status      string `json:"status"`
	ChunksCount int    `json:"chunks_count"`
	Message     string `json:"message,omitempty"`
	MediaURL    string `json:"media_url,omitempty"`
}

// Pipeline coordinates ingestion: dedup by content hash, chunking, batched
// vector indexing, and the metadata commit.
type Pipeline struct {
	docs         repository.DocumentStore
	vectors      vectorstore.Store
	blobs        blob.Store
	chunker      *Chunker
	maxFileBytes int64
	logger       *slog.Logger
}

// NewPipeline wires an ingestion pipeline. blobs may be nil when media
// uploads are disabled; maxFileBytes <= 0 disables the size check.
func NewPipeline(docs repository.DocumentStore, vectors vectorstore.Store, blobs blob.Store, chunkerConfig ChunkerConfig, maxFileBytes int64, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		docs:         docs,
		vectors:      vectors,
		blobs:        blobs,
		chunker:      NewChunker(chunkerConfig),
		maxFileBytes: maxFileBytes,
		logger:       logger,
	}
}

// IngestText deduplicates, chunks, indexes, and commits a text document.
func (p *Pipeline) IngestText(ctx context.Context, req TextRequest) (*Result, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyContent
	}

	hash := HashContent(req.Content)
	if res, err := p.findDuplicate(ctx, hash); res != nil || err != nil {
		return res, err
	}

	documentID := repository.NewDocumentID()
	chunks := p.chunker.Chunk(req.Content, documentID, req.Title, chunkMetadata(req.Category, req.Metadata))
	if len(chunks) == 0 {
		return nil, ErrEmptyContent
	}

	return p.commit(ctx, commitParams{
		documentID: documentID,
		hash:       hash,
		mediaType:  repository.MediaText,
		chunks:     chunks,
		req:        req,
	})
}

// IngestFile extracts or synthesizes text for an upload, stores the raw
// bytes for non-text media, then follows the text path.
func (p *Pipeline) IngestFile(ctx context.Context, req FileRequest) (*Result, error) {
	if len(req.Data) == 0 {
		return nil, ErrEmptyContent
	}
	if p.maxFileBytes > 0 && int64(len(req.Data)) > p.maxFileBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrFileTooLarge, len(req.Data), p.maxFileBytes)
	}

	mediaType, ok := MediaTypeForMIME(req.MIME)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMedia, req.MIME)
	}

	hash := HashBytes(req.Data)
	if res, err := p.findDuplicate(ctx, hash); res != nil || err != nil {
		return res, err
	}

	body, err := ExtractText(req.Data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("failed to extract text: %w", err)
	}
	if strings.TrimSpace(body) == "" {
		body = syntheticBody(req.Title, req.Description, req.Filename)
	}
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyContent
	}

	documentID := repository.NewDocumentID()

	var mediaURL string
	if mediaType != repository.MediaText && p.blobs != nil {
		mediaURL, err = p.blobs.Save(ctx, documentID, req.Filename, req.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to store media: %w", err)
		}
	}

	meta := chunkMetadata(req.Category, req.Metadata)
	var chunks []Chunk
	switch mediaType {
	case repository.MediaImage, repository.MediaVideo, repository.MediaAudio:
		// One synthetic chunk per media item; the backend owns the pixels.
		chunks = p.chunker.Chunk(body, documentID, req.Title, meta)
		if len(chunks) > 1 {
			chunks = chunks[:1]
		}
		for i := range chunks {
			chunks[i].Metadata["media_type"] = mediaType
			if mediaURL != "" {
				chunks[i].Metadata["media_url"] = mediaURL
			}
		}
	default:
		chunks = p.chunker.Chunk(body, documentID, req.Title, meta)
	}
	if len(chunks) == 0 {
		return nil, ErrEmptyContent
	}

	return p.commit(ctx, commitParams{
		documentID: documentID,
		hash:       hash,
		mediaType:  mediaType,
		mediaURL:   mediaURL,
		chunks:     chunks,
		req: TextRequest{
			Title:       req.Title,
			Category:    req.Category,
			Description: req.Description,
			Metadata:    req.Metadata,
		},
	})
}

// Delete removes a document's chunks from the vector backend, its blobs,
// and finally its metadata row.
func (p *Pipeline) Delete(ctx context.Context, documentID string) error {
	doc, err := p.docs.Get(ctx, documentID)
	if err != nil {
		return err
	}

	if doc.ChunksCount > 0 {
		ids := repository.ChunkIDs(doc.ID, doc.ChunksCount)
		if err := p.vectors.Delete(ctx, ids); err != nil {
			return fmt.Errorf("failed to delete chunks: %w", err)
		}
	}

	if p.blobs != nil && doc.MediaURL != "" {
		if err := p.blobs.Delete(ctx, doc.ID); err != nil {
			p.logger.Warn("blob cleanup failed", "document_id", doc.ID, "error", err)
		}
	}

	return p.docs.Delete(ctx, documentID)
}

type commitParams struct {
	documentID string
	hash       string
	mediaType  string
	mediaURL   string
	chunks     []Chunk
	req        TextRequest
}

// commit indexes the chunks and records the document. Index failure marks
// the document failed without claiming the content hash, so a retry of the
// same content is not rejected as a duplicate.
func (p *Pipeline) commit(ctx context.Context, cp commitParams) (*Result, error) {
	indexErr := p.index(ctx, cp.mediaType, cp.chunks)

	doc := &repository.Document{
		ID:          cp.documentID,
		Title:       cp.req.Title,
		Category:    cp.req.Category,
		Description: cp.req.Description,
		MediaType:   cp.mediaType,
		MediaURL:    cp.mediaURL,
		Metadata:    cp.req.Metadata,
	}

	if indexErr != nil {
		doc.Status = repository.StatusFailed
		doc.ChunksCount = 0
		if err := p.docs.Upsert(ctx, doc); err != nil {
			return nil, fmt.Errorf("failed to record failed ingest: %w", err)
		}
		p.logger.Warn("ingest failed at indexing",
			"document_id", cp.documentID, "chunks", len(cp.chunks), "error", indexErr)
		return &Result{
			DocumentID: cp.documentID,
			Status:     repository.StatusFailed,
			Message:    indexErr.Error(),
			MediaURL:   cp.mediaURL,
		}, nil
	}

	doc.Status = repository.StatusIndexed
	doc.ChunksCount = len(cp.chunks)
	doc.ContentHash = cp.hash

	if err := p.docs.Upsert(ctx, doc); err != nil {
		if errors.Is(err, repository.ErrDuplicateHash) {
			// Lost a race with a concurrent ingest of the same content.
			// Withdraw our chunks and hand back the winner.
			if delErr := p.vectors.Delete(ctx, chunkIDsOf(cp.chunks)); delErr != nil {
				p.logger.Warn("orphan chunk cleanup failed",
					"document_id", cp.documentID, "error", delErr)
			}
			if res, ferr := p.findDuplicate(ctx, cp.hash); res != nil {
				return res, nil
			} else if ferr != nil {
				return nil, ferr
			}
		}
		return nil, fmt.Errorf("failed to commit document: %w", err)
	}

	p.logger.Info("document ingested",
		"document_id", cp.documentID, "chunks", len(cp.chunks), "media_type", cp.mediaType)

	return &Result{
		DocumentID:  cp.documentID,
		Status:      repository.StatusIndexed,
		ChunksCount: len(cp.chunks),
		MediaURL:    cp.mediaURL,
	}, nil
}

func (p *Pipeline) index(ctx context.Context, mediaType string, chunks []Chunk) error {
	docs := make([]vectorstore.Document, 0, len(chunks))
	for _, ch := range chunks {
		meta := make(map[string]any, len(ch.Metadata))
		for k, v := range ch.Metadata {
			meta[k] = v
		}
		docs = append(docs, vectorstore.Document{ID: ch.ID, Text: ch.Text, Metadata: meta})
	}

	switch mediaType {
	case repository.MediaImage, repository.MediaVideo:
		return p.vectors.IndexMultimodal(ctx, docs)
	default:
		return p.vectors.Index(ctx, docs)
	}
}

// findDuplicate returns the existing document's result when hash is already
// claimed by a non-failed document, or (nil, nil) when ingest may proceed.
func (p *Pipeline) findDuplicate(ctx context.Context, hash string) (*Result, error) {
	existing, err := p.docs.FindByContentHash(ctx, hash)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check for duplicate: %w", err)
	}
	return &Result{
		DocumentID:  existing.ID,
		Status:      existing.Status,
		ChunksCount: existing.ChunksCount,
		Message:     "duplicate, returning existing",
		MediaURL:    existing.MediaURL,
	}, nil
}

func chunkMetadata(category string, userMetadata map[string]string) map[string]string {
	if category == "" {
		return userMetadata
	}
	meta := make(map[string]string, len(userMetadata)+1)
	for k, v := range userMetadata {
		meta[k] = v
	}
	meta["category"] = category
	return meta
}

func chunkIDsOf(chunks []Chunk) []string {
	ids := make([]string, 0, len(chunks))
	for _, ch := range chunks {
		ids = append(ids, ch.ID)
	}
	return ids
}

func syntheticBody(title, description, filename string) string {
	parts := make([]string, 0, 3)
	for _, s := range []string{title, description, filename} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}
