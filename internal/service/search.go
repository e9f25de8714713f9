package service

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/corvohq/rag/internal/repository"
	"github.com/corvohq/rag/internal/tokenizer"
	"github.com/corvohq/rag/internal/vectorstore"
)

// rrfK is the standard reciprocal-rank-fusion constant.
const rrfK = 60

// Search modes reported in response metadata.
const (
	SearchModeHybrid = "hybrid"
	SearchModeVector = "vector"
)

// SearchRequest is a provider search call.
type SearchRequest struct {
	UserID      string            `json:"user_id"`
	Query       string            `json:"query"`
	Limit       int               `json:"limit,omitempty"`
	TokenBudget int               `json:"token_budget,omitempty"`
	Filters     map[string]string `json:"filters,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// Preprocessed skips query processing when the caller already ran it.
	Preprocessed *ProcessedQuery `json:"-"`
}

// ProviderChunk is one retrieved passage with its resolved document fields.
type ProviderChunk struct {
	ChunkID       string         `json:"chunk_id"`
	Content       string         `json:"content"`
	Score         float64        `json:"score"`
	DocumentID    string         `json:"document_id"`
	DocumentTitle string         `json:"document_title"`
	MediaType     string         `json:"media_type"`
	MediaURL      string         `json:"media_url,omitempty"`
	Category      string         `json:"category,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// SearchMetadata describes how a search was executed.
type SearchMetadata struct {
	SearchMode   string  `json:"search_mode"`
	ResultsCount int     `json:"results_count"`
	MinScore     float64 `json:"min_score"`
}

// SearchResponse is the assembled provider search result.
type SearchResponse struct {
	ProviderName string          `json:"provider_name"`
	Chunks       []ProviderChunk `json:"chunks"`
	TotalTokens  int             `json:"total_tokens"`
	Metadata     SearchMetadata  `json:"metadata"`
}

// SearchConfig holds the retrieval knobs.
type SearchConfig struct {
	ProviderName   string
	DefaultLimit   int
	MaxLimit       int
	MinScore       float64
	SemanticWeight float64
	KeywordWeight  float64
}

// SearchEngine runs hybrid retrieval with optional multi-query RRF fusion
// and assembles provider chunks under a token budget.
type SearchEngine struct {
	vectors   vectorstore.Store
	docs      repository.DocumentStore
	processor *QueryProcessor
	config    SearchConfig
	logger    *slog.Logger
}

// NewSearchEngine wires a search engine.
func NewSearchEngine(vectors vectorstore.Store, docs repository.DocumentStore, processor *QueryProcessor, config SearchConfig, logger *slog.Logger) *SearchEngine {
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = 5
	}
	if config.MaxLimit <= 0 {
		config.MaxLimit = 20
	}
	if config.MinScore <= 0 {
		config.MinScore = 0.30
	}
	if config.SemanticWeight <= 0 && config.KeywordWeight <= 0 {
		config.SemanticWeight, config.KeywordWeight = 0.4, 0.6
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchEngine{
		vectors:   vectors,
		docs:      docs,
		processor: processor,
		config:    config,
		logger:    logger,
	}
}

// Search retrieves, fuses, filters, and resolves chunks for a query.
func (e *SearchEngine) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: user_id and query are required", ErrInvalidRequest)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = e.config.DefaultLimit
	}
	if limit > e.config.MaxLimit {
		limit = e.config.MaxLimit
	}

	processed := req.Preprocessed
	if processed == nil {
		if e.processor != nil {
			p := e.processor.Process(ctx, req.Query)
			processed = &p
		} else {
			processed = &ProcessedQuery{Query: req.Query, Method: MethodOriginal}
		}
	}

	variants := processed.ExpandedQueries
	if len(variants) == 0 {
		variants = []string{processed.Query}
	}

	fetchLimit := 2 * limit
	var (
		candidates []scoredResult
		usedHybrid bool
		err        error
	)
	if len(variants) == 1 {
		candidates, usedHybrid, err = e.singleQuery(ctx, variants[0], fetchLimit)
		if err != nil {
			return nil, err
		}
	} else {
		candidates, usedHybrid = e.fuseVariants(ctx, variants, fetchLimit)
	}

	chunks, totalTokens := e.assemble(ctx, candidates, limit, req.TokenBudget)

	mode := SearchModeVector
	if usedHybrid {
		mode = SearchModeHybrid
	}
	return &SearchResponse{
		ProviderName: e.config.ProviderName,
		Chunks:       chunks,
		TotalTokens:  totalTokens,
		Metadata: SearchMetadata{
			SearchMode:   mode,
			ResultsCount: len(chunks),
			MinScore:     e.config.MinScore,
		},
	}, nil
}

// scoredResult is a candidate ranked by fusion. For single-query searches
// the rrf score mirrors the semantic score.
type scoredResult struct {
	result   vectorstore.SearchResult
	rrf      float64
	maxScore float64
}

func (e *SearchEngine) singleQuery(ctx context.Context, query string, fetchLimit int) ([]scoredResult, bool, error) {
	results, usedHybrid, err := e.vectors.HybridSearch(ctx, query, fetchLimit,
		e.config.SemanticWeight, e.config.KeywordWeight)
	if err != nil {
		return nil, false, fmt.Errorf("search failed: %w", err)
	}

	out := make([]scoredResult, 0, len(results))
	for _, r := range results {
		out = append(out, scoredResult{result: r, rrf: r.Score, maxScore: r.Score})
	}
	return out, usedHybrid, nil
}

// fuseVariants runs every query variant in parallel and merges the result
// lists with reciprocal rank fusion. Per-variant failures are logged and
// skipped; ties break by max semantic score, then chunk ID.
func (e *SearchEngine) fuseVariants(ctx context.Context, variants []string, fetchLimit int) ([]scoredResult, bool) {
	perVariant := make([][]vectorstore.SearchResult, len(variants))
	var mu sync.Mutex
	anyHybrid := false

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range variants {
		g.Go(func() error {
			results, usedHybrid, err := e.vectors.HybridSearch(gctx, q, fetchLimit,
				e.config.SemanticWeight, e.config.KeywordWeight)
			if err != nil {
				e.logger.Warn("search variant failed", "query", q, "error", err)
				return nil
			}
			mu.Lock()
			perVariant[i] = results
			anyHybrid = anyHybrid || usedHybrid
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	fused := make(map[string]*scoredResult)
	for _, results := range perVariant {
		for rank, r := range results {
			entry, ok := fused[r.ID]
			if !ok {
				entry = &scoredResult{result: r}
				fused[r.ID] = entry
			}
			entry.rrf += 1.0 / float64(rrfK+rank+1)
			if r.Score > entry.maxScore {
				entry.maxScore = r.Score
				entry.result = r
			}
		}
	}

	out := make([]scoredResult, 0, len(fused))
	for _, entry := range fused {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].rrf != out[j].rrf {
			return out[i].rrf > out[j].rrf
		}
		if out[i].maxScore != out[j].maxScore {
			return out[i].maxScore > out[j].maxScore
		}
		return out[i].result.ID < out[j].result.ID
	})
	if len(out) > fetchLimit {
		out = out[:fetchLimit]
	}
	return out, anyHybrid
}

// assemble filters by score, resolves document fields, and applies the
// token budget (the first chunk that would overflow it is dropped and
// assembly stops).
func (e *SearchEngine) assemble(ctx context.Context, candidates []scoredResult, limit, tokenBudget int) ([]ProviderChunk, int) {
	chunks := make([]ProviderChunk, 0, limit)
	totalTokens := 0
	docCache := make(map[string]*repository.Document)

	for _, c := range candidates {
		if len(chunks) >= limit {
			break
		}
		if c.maxScore < e.config.MinScore {
			continue
		}

		tokens := tokenizer.EstimateTokens(c.result.Text)
		if tokenBudget > 0 && totalTokens+tokens > tokenBudget {
			break
		}

		chunks = append(chunks, e.resolve(ctx, c, docCache))
		totalTokens += tokens
	}
	return chunks, totalTokens
}

func (e *SearchEngine) resolve(ctx context.Context, c scoredResult, cache map[string]*repository.Document) ProviderChunk {
	out := ProviderChunk{
		ChunkID:  c.result.ID,
		Content:  c.result.Text,
		Score:    c.maxScore,
		Metadata: c.result.Metadata,
	}

	documentID, _, ok := repository.ParseChunkID(c.result.ID)
	if ok {
		out.DocumentID = documentID
	}

	var doc *repository.Document
	if ok {
		var cached bool
		if doc, cached = cache[documentID]; !cached {
			found, err := e.docs.Get(ctx, documentID)
			if err == nil {
				doc = found
			}
			cache[documentID] = doc
		}
	}

	out.DocumentTitle = firstNonEmpty(
		docField(doc, func(d *repository.Document) string { return d.Title }),
		metaString(c.result.Metadata, "document_title"),
		extractTitle(c.result.Text),
		"Unknown",
	)
	out.MediaType = firstNonEmpty(
		docField(doc, func(d *repository.Document) string { return d.MediaType }),
		metaString(c.result.Metadata, "media_type"),
		repository.MediaText,
	)
	out.MediaURL = firstNonEmpty(
		docField(doc, func(d *repository.Document) string { return d.MediaURL }),
		metaString(c.result.Metadata, "media_url"),
	)
	out.Category = firstNonEmpty(
		docField(doc, func(d *repository.Document) string { return d.Category }),
		metaString(c.result.Metadata, "category"),
	)
	return out
}

var (
	headingPattern = regexp.MustCompile(`(?m)^#+\s+(.+)$`)
	markdownMarkup = strings.NewReplacer("**", "", "*", "", "__", "", "_", "", "`", "", "#", "", ">", "")
)

const maxTitleRunes = 50

// extractTitle pulls a display title out of raw chunk text: the first
// Markdown heading, else the first non-empty line with markup stripped.
func extractTitle(text string) string {
	if m := headingPattern.FindStringSubmatch(text); m != nil {
		return truncateTitle(strings.TrimSpace(m[1]))
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(markdownMarkup.Replace(line))
		if line != "" {
			return truncateTitle(line)
		}
	}
	return ""
}

func truncateTitle(title string) string {
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	return string([]rune(title)[:maxTitleRunes])
}

func docField(doc *repository.Document, field func(*repository.Document) string) string {
	if doc == nil {
		return ""
	}
	return field(doc)
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	if s, ok := meta[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
