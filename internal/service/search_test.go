package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/corvohq/rag/internal/repository"
	"github.com/corvohq/rag/internal/repository/memory"
	"github.com/corvohq/rag/internal/tokenizer"
	"github.com/corvohq/rag/internal/vectorstore"
)

// stubVectors serves canned per-query result lists.
type stubVectors struct {
	mu          sync.Mutex
	results     map[string][]vectorstore.SearchResult
	failQueries map[string]error
	hybrid      bool
	fetchLimits []int
}

func (s *stubVectors) Search(ctx context.Context, query string, limit int) ([]vectorstore.SearchResult, error) {
	results, _, err := s.HybridSearch(ctx, query, limit, 0, 0)
	return results, err
}

func (s *stubVectors) HybridSearch(ctx context.Context, query string, limit int, sem, kw float64) ([]vectorstore.SearchResult, bool, error) {
	s.mu.Lock()
	s.fetchLimits = append(s.fetchLimits, limit)
	s.mu.Unlock()
	if err := s.failQueries[query]; err != nil {
		return nil, false, err
	}
	return s.results[query], s.hybrid, nil
}

func (s *stubVectors) Index(ctx context.Context, docs []vectorstore.Document) error { return nil }

func (s *stubVectors) IndexMultimodal(ctx context.Context, docs []vectorstore.Document) error {
	return nil
}

func (s *stubVectors) Delete(ctx context.Context, ids []string) error { return nil }

func (s *stubVectors) Health(ctx context.Context) error { return nil }

var _ vectorstore.Store = (*stubVectors)(nil)

func newTestEngine(t *testing.T, vectors vectorstore.Store, docs repository.DocumentStore) *SearchEngine {
	t.Helper()
	return NewSearchEngine(vectors, docs, nil, SearchConfig{
		ProviderName: "knowledge-base",
		DefaultLimit: 5,
		MaxLimit:     20,
		MinScore:     0.30,
	}, nil)
}

func seedDocument(t *testing.T, docs repository.DocumentStore, id, title string, chunks int) {
	t.Helper()
	err := docs.Upsert(context.Background(), &repository.Document{
		ID: id, Title: title, Status: repository.StatusIndexed,
		ChunksCount: chunks, MediaType: repository.MediaText,
	})
	if err != nil {
		t.Fatalf("seed document: %v", err)
	}
}

func TestSearchValidation(t *testing.T) {
	e := newTestEngine(t, &stubVectors{}, memory.New())

	tests := []struct {
		name string
		req  SearchRequest
	}{
		{"missing user_id", SearchRequest{Query: "q"}},
		{"missing query", SearchRequest{UserID: "u"}},
		{"blank query", SearchRequest{UserID: "u", Query: "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Search(context.Background(), tt.req); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestSearchSingleQuery(t *testing.T) {
	docs := memory.New()
	seedDocument(t, docs, "doc_1", "Worker Runbook", 3)

	vectors := &stubVectors{
		hybrid: true,
		results: map[string][]vectorstore.SearchResult{
			"restart worker": {
				{ID: "doc_1_chunk_0", Score: 0.91, Text: "Restart the worker with the restart command."},
				{ID: "doc_1_chunk_1", Score: 0.52, Text: "Check the queue afterwards."},
				{ID: "doc_1_chunk_2", Score: 0.12, Text: "Unrelated trivia."},
			},
		},
	}
	e := newTestEngine(t, vectors, docs)

	resp, err := e.Search(context.Background(), SearchRequest{UserID: "u", Query: "restart worker"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if len(resp.Chunks) != 2 {
		t.Fatalf("chunks = %d, want 2 (score filter)", len(resp.Chunks))
	}
	for _, c := range resp.Chunks {
		if c.Score < 0.30 {
			t.Errorf("chunk %s below threshold: %f", c.ChunkID, c.Score)
		}
		if c.DocumentTitle != "Worker Runbook" {
			t.Errorf("title = %q", c.DocumentTitle)
		}
		if c.DocumentID != "doc_1" {
			t.Errorf("document_id = %q", c.DocumentID)
		}
	}
	if resp.Metadata.SearchMode != SearchModeHybrid {
		t.Errorf("search_mode = %q", resp.Metadata.SearchMode)
	}
	if resp.Metadata.ResultsCount != 2 {
		t.Errorf("results_count = %d", resp.Metadata.ResultsCount)
	}
	if resp.ProviderName != "knowledge-base" {
		t.Errorf("provider = %q", resp.ProviderName)
	}
}

func TestSearchReportsVectorFallback(t *testing.T) {
	vectors := &stubVectors{
		hybrid: false,
		results: map[string][]vectorstore.SearchResult{
			"q long enough": {{ID: "doc_1_chunk_0", Score: 0.8, Text: "content"}},
		},
	}
	e := newTestEngine(t, vectors, memory.New())

	resp, err := e.Search(context.Background(), SearchRequest{UserID: "u", Query: "q long enough"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Metadata.SearchMode != SearchModeVector {
		t.Errorf("search_mode = %q, want vector", resp.Metadata.SearchMode)
	}
}

func TestSearchLimitClampAndOverfetch(t *testing.T) {
	vectors := &stubVectors{}
	e := newTestEngine(t, vectors, memory.New())

	if _, err := e.Search(context.Background(), SearchRequest{UserID: "u", Query: "anything", Limit: 100}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(vectors.fetchLimits) != 1 || vectors.fetchLimits[0] != 40 {
		t.Errorf("fetch limits = %v, want [40] (2 * clamped 20)", vectors.fetchLimits)
	}
}

func TestSearchMultiQueryFusion(t *testing.T) {
	q1Results := []vectorstore.SearchResult{
		{ID: "doc_1_chunk_0", Score: 0.90, Text: "alpha"},
		{ID: "doc_2_chunk_0", Score: 0.80, Text: "beta"},
		{ID: "doc_3_chunk_0", Score: 0.70, Text: "gamma"},
	}
	q2Results := []vectorstore.SearchResult{
		{ID: "doc_2_chunk_0", Score: 0.85, Text: "beta"},
		{ID: "doc_1_chunk_0", Score: 0.70, Text: "alpha"},
	}

	run := func(variants []string) []string {
		vectors := &stubVectors{
			hybrid: true,
			results: map[string][]vectorstore.SearchResult{
				"q one": q1Results,
				"q two": q2Results,
			},
		}
		e := newTestEngine(t, vectors, memory.New())
		resp, err := e.Search(context.Background(), SearchRequest{
			UserID: "u", Query: "q one",
			Preprocessed: &ProcessedQuery{
				Query: "q one", Method: MethodLLM, ExpandedQueries: variants,
			},
		})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		ids := make([]string, 0, len(resp.Chunks))
		for _, c := range resp.Chunks {
			ids = append(ids, c.ChunkID)
		}
		return ids
	}

	got := run([]string{"q one", "q two"})

	// doc_1 and doc_2 tie on RRF (ranks 0+1 across the two lists); the tie
	// breaks on max semantic score: doc_1 has 0.90, doc_2 has 0.85.
	want := []string{"doc_1_chunk_0", "doc_2_chunk_0", "doc_3_chunk_0"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", got, want)
	}

	// Enumeration order of variants must not change the ranking.
	if reversed := run([]string{"q two", "q one"}); strings.Join(reversed, ",") != strings.Join(want, ",") {
		t.Errorf("reversed variants gave %v, want %v", reversed, want)
	}
}

func TestSearchVariantFailureIsSkipped(t *testing.T) {
	vectors := &stubVectors{
		hybrid: true,
		results: map[string][]vectorstore.SearchResult{
			"q good": {{ID: "doc_1_chunk_0", Score: 0.9, Text: "alpha"}},
		},
		failQueries: map[string]error{
			"q bad": vectorstore.ErrUnavailable,
		},
	}
	e := newTestEngine(t, vectors, memory.New())

	resp, err := e.Search(context.Background(), SearchRequest{
		UserID: "u", Query: "q good",
		Preprocessed: &ProcessedQuery{
			Query: "q good", Method: MethodLLM,
			ExpandedQueries: []string{"q good", "q bad"},
		},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Chunks) != 1 || resp.Chunks[0].ChunkID != "doc_1_chunk_0" {
		t.Errorf("chunks = %+v", resp.Chunks)
	}
}

func TestSearchBackendFailurePropagates(t *testing.T) {
	vectors := &stubVectors{failQueries: map[string]error{"q down": vectorstore.ErrUnavailable}}
	e := newTestEngine(t, vectors, memory.New())

	if _, err := e.Search(context.Background(), SearchRequest{UserID: "u", Query: "q down"}); !errors.Is(err, vectorstore.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestSearchTokenBudget(t *testing.T) {
	long := strings.Repeat("relevant words repeated many times ", 20)
	vectors := &stubVectors{
		hybrid: true,
		results: map[string][]vectorstore.SearchResult{
			"budget": {
				{ID: "doc_1_chunk_0", Score: 0.9, Text: long},
				{ID: "doc_1_chunk_1", Score: 0.8, Text: long},
				{ID: "doc_1_chunk_2", Score: 0.7, Text: long},
			},
		},
	}
	e := newTestEngine(t, vectors, memory.New())

	perChunk := tokenizer.EstimateTokens(long)
	budget := perChunk*2 + perChunk/2 // room for two chunks, not three

	resp, err := e.Search(context.Background(), SearchRequest{
		UserID: "u", Query: "budget", TokenBudget: budget,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Chunks) != 2 {
		t.Errorf("chunks = %d, want 2", len(resp.Chunks))
	}
	if resp.TotalTokens > budget {
		t.Errorf("total tokens %d exceeds budget %d", resp.TotalTokens, budget)
	}
}

func TestSearchTitleResolution(t *testing.T) {
	docs := memory.New()
	seedDocument(t, docs, "doc_store", "Stored Title", 1)

	vectors := &stubVectors{
		hybrid: true,
		results: map[string][]vectorstore.SearchResult{
			"titles": {
				{ID: "doc_store_chunk_0", Score: 0.9, Text: "body"},
				{ID: "doc_meta_chunk_0", Score: 0.8, Text: "body",
					Metadata: map[string]any{"document_title": "Metadata Title"}},
				{ID: "doc_md_chunk_0", Score: 0.7, Text: "## Heading Title\n\nbody"},
				{ID: "doc_bare_chunk_0", Score: 0.6, Text: "*Emphatic* first line\nrest"},
				{ID: "doc_blank_chunk_0", Score: 0.5, Text: "   \n  "},
			},
		},
	}
	e := newTestEngine(t, vectors, docs)

	resp, err := e.Search(context.Background(), SearchRequest{UserID: "u", Query: "titles", Limit: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Chunks) != 5 {
		t.Fatalf("chunks = %d, want 5", len(resp.Chunks))
	}

	want := []string{"Stored Title", "Metadata Title", "Heading Title", "Emphatic first line", "Unknown"}
	for i, title := range want {
		if resp.Chunks[i].DocumentTitle != title {
			t.Errorf("chunk %d title = %q, want %q", i, resp.Chunks[i].DocumentTitle, title)
		}
	}
}
