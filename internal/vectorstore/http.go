package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultSearchTimeout = 30 * time.Second
	defaultIndexTimeout  = 60 * time.Second
	defaultHealthTimeout = 5 * time.Second
	defaultBatchSize     = 50
)

// Client talks to the vector backend's HTTP JSON API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	searchTimeout time.Duration
	indexTimeout  time.Duration
	healthTimeout time.Duration
	batchSize     int
	retryDelays   []time.Duration

	// The /add → /upsert pair must not interleave across concurrent
	// ingests; every index batch passes through this single lane.
	indexMu sync.Mutex

	// Endpoints the backend turned out not to implement.
	hybridUnsupported    atomic.Bool
	addObjectUnsupported atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithBatchSize overrides the index batch size.
func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithRetryDelays overrides the per-batch retry schedule. The number of
// delays sets the number of retries.
func WithRetryDelays(delays []time.Duration) Option {
	return func(c *Client) { c.retryDelays = delays }
}

// WithTimeouts overrides the per-call timeouts. Zero values keep defaults.
func WithTimeouts(search, index, health time.Duration) Option {
	return func(c *Client) {
		if search > 0 {
			c.searchTimeout = search
		}
		if index > 0 {
			c.indexTimeout = index
		}
		if health > 0 {
			c.healthTimeout = health
		}
	}
}

// NewClient creates a vector backend client for baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    &http.Client{},
		logger:        slog.Default(),
		searchTimeout: defaultSearchTimeout,
		indexTimeout:  defaultIndexTimeout,
		healthTimeout: defaultHealthTimeout,
		batchSize:     defaultBatchSize,
		retryDelays:   []time.Duration{time.Second, 2 * time.Second, 3 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search runs pure semantic search via POST /search.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	body, status, err := c.post(ctx, "/search", map[string]any{
		"query": query,
		"limit": limit,
	}, c.searchTimeout)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(status, body); err != nil {
		return nil, err
	}
	return parseResults(body)
}

// HybridSearch runs weighted hybrid search via POST /hybrid. A backend
// without the endpoint (404) or an unreachable backend degrades to Search;
// the bool reports which mode actually ran.
func (c *Client) HybridSearch(ctx context.Context, query string, limit int, semanticWeight, keywordWeight float64) ([]SearchResult, bool, error) {
	if c.hybridUnsupported.Load() {
		results, err := c.Search(ctx, query, limit)
		return results, false, err
	}

	body, status, err := c.post(ctx, "/hybrid", map[string]any{
		"query":   query,
		"limit":   limit,
		"weights": []float64{semanticWeight, keywordWeight},
	}, c.searchTimeout)
	if err != nil {
		// Unreachable for hybrid; the plain path may still work.
		c.logger.Info("hybrid search unavailable, falling back to vector search", "error", err)
		results, serr := c.Search(ctx, query, limit)
		return results, false, serr
	}
	if status == http.StatusNotFound {
		c.hybridUnsupported.Store(true)
		c.logger.Info("backend does not implement hybrid search, falling back to vector search")
		results, serr := c.Search(ctx, query, limit)
		return results, false, serr
	}
	if err := checkStatus(status, body); err != nil {
		return nil, false, err
	}

	results, err := parseResults(body)
	return results, err == nil, err
}

// Index submits text chunks in batches of at most batchSize, committing
// each batch with GET /upsert.
func (c *Client) Index(ctx context.Context, docs []Document) error {
	return c.indexBatches(ctx, docs, false)
}

// IndexMultimodal submits media chunks via POST /addobject, falling back to
// the text endpoint when the backend has no multimodal support.
func (c *Client) IndexMultimodal(ctx context.Context, docs []Document) error {
	return c.indexBatches(ctx, docs, true)
}

func (c *Client) indexBatches(ctx context.Context, docs []Document, multimodal bool) error {
	if len(docs) == 0 {
		return nil
	}

	var batchErrs []error
	total := 0
	for start := 0; start < len(docs); start += c.batchSize {
		end := start + c.batchSize
		if end > len(docs) {
			end = len(docs)
		}
		total++
		if err := c.indexBatchWithRetry(ctx, docs[start:end], multimodal); err != nil {
			batchErrs = append(batchErrs, fmt.Errorf("batch %d: %w", total, err))
		}
	}

	if len(batchErrs) > 0 {
		return fmt.Errorf("failed to index %d of %d batches: %w",
			len(batchErrs), total, errors.Join(batchErrs...))
	}
	return nil
}

func (c *Client) indexBatchWithRetry(ctx context.Context, batch []Document, multimodal bool) error {
	var lastErr error
	attempts := len(c.retryDelays)
	if attempts == 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.retryDelays[attempt-1]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = c.indexBatch(ctx, batch, multimodal); lastErr == nil {
			return nil
		}
		c.logger.Warn("index batch failed",
			"attempt", attempt+1, "size", len(batch), "error", lastErr)
	}
	return lastErr
}

// indexBatch runs one add+upsert pair under the single index lane.
func (c *Client) indexBatch(ctx context.Context, batch []Document, multimodal bool) error {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()

	path := "/add"
	if multimodal && !c.addObjectUnsupported.Load() {
		path = "/addobject"
	}

	body, status, err := c.post(ctx, path, batch, c.indexTimeout)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound && path == "/addobject" {
		c.addObjectUnsupported.Store(true)
		c.logger.Info("backend does not implement multimodal indexing, using text endpoint")
		body, status, err = c.post(ctx, "/add", batch, c.indexTimeout)
		if err != nil {
			return err
		}
	}
	if err := checkStatus(status, body); err != nil {
		return err
	}

	return c.upsert(ctx)
}

// upsert commits buffered adds. A 500 complaining about an empty buffer
// means a concurrent commit already flushed it, which is fine.
func (c *Client) upsert(ctx context.Context) error {
	body, status, err := c.get(ctx, "/upsert", c.indexTimeout)
	if err != nil {
		return err
	}
	if status == http.StatusInternalServerError && strings.Contains(strings.ToLower(string(body)), "empty") {
		return nil
	}
	return checkStatus(status, body)
}

// Delete removes chunk IDs via POST /delete.
func (c *Client) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body, status, err := c.post(ctx, "/delete", ids, c.searchTimeout)
	if err != nil {
		return err
	}
	return checkStatus(status, body)
}

// Health probes the backend root.
func (c *Client) Health(ctx context.Context) error {
	body, status, err := c.get(ctx, "/", c.healthTimeout)
	if err != nil {
		return err
	}
	if status >= http.StatusInternalServerError {
		return fmt.Errorf("%w: health returned %d: %s", ErrUnavailable, status, truncateBody(body))
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any, timeout time.Duration) ([]byte, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(data), timeout)
}

func (c *Client) get(ctx context.Context, path string, timeout time.Duration) ([]byte, int, error) {
	return c.do(ctx, http.MethodGet, path, nil, timeout)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, timeout time.Duration) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}
	return data, resp.StatusCode, nil
}

// checkStatus maps HTTP statuses onto the client error taxonomy.
func checkStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, status, truncateBody(body))
	default:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, status, truncateBody(body))
	}
}

// parseResults accepts either a bare result array or a {"results": [...]}
// wrapper.
func parseResults(body []byte) ([]SearchResult, error) {
	var results []SearchResult
	if err := json.Unmarshal(body, &results); err == nil {
		return results, nil
	}

	var wrapper struct {
		Results []SearchResult `json:"results"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return wrapper.Results, nil
}

func truncateBody(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

var _ Store = (*Client)(nil)
