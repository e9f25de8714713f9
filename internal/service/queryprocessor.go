package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/corvohq/rag/internal/llm"
	"github.com/corvohq/rag/internal/ratelimit"
	"github.com/corvohq/rag/internal/requestqueue"
)

// Query processing methods.
const (
	MethodLLM      = "llm"
	MethodOriginal = "original"
)

const minQueryRunes = 5

// ProcessedQuery is the outcome of query preprocessing. ExpandedQueries
// holds every search variant to run (primary included); it is empty when no
// expansion happened.
type ProcessedQuery struct {
	Query           string   `json:"processed_query"`
	Method          string   `json:"method"`
	ExpandedQueries []string `json:"expanded_queries,omitempty"`
	Intent          string   `json:"query_intent,omitempty"`
}

// QueryProcessorConfig configures expansion behavior.
type QueryProcessorConfig struct {
	ExpansionEnabled bool
	MaxQueries       int
}

// QueryProcessor rewrites or expands user queries through the LLM. Every
// failure along the way degrades silently: search always proceeds, in the
// worst case with the untouched original query.
type QueryProcessor struct {
	provider llm.Provider // nil when no LLM is configured
	limiter  *ratelimit.Bucket
	queue    *requestqueue.Queue
	config   QueryProcessorConfig
	logger   *slog.Logger
}

// NewQueryProcessor wires a query processor. provider may be nil.
func NewQueryProcessor(provider llm.Provider, limiter *ratelimit.Bucket, queue *requestqueue.Queue, config QueryProcessorConfig, logger *slog.Logger) *QueryProcessor {
	if config.MaxQueries <= 0 {
		config.MaxQueries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryProcessor{
		provider: provider,
		limiter:  limiter,
		queue:    queue,
		config:   config,
		logger:   logger,
	}
}

const expansionPrompt = `Analyze the search query and produce JSON with this exact shape:
{"intent": "<one short phrase>", "primary_query": "<the best single search query>", "expanded_queries": ["<alternative phrasing>", "..."]}

Return only JSON. Query: %s`

const rewritePrompt = `Rewrite the following search query to be tighter and more specific.
Return only the rewritten query, nothing else.

Query: %s`

// Process preprocesses a raw user query. It never returns an error and
// never blocks on LLM throughput: rate-limit rejection, queue rejection,
// provider failure, and unparseable output all fall back toward the
// original query.
func (p *QueryProcessor) Process(ctx context.Context, query string) ProcessedQuery {
	original := ProcessedQuery{Query: query, Method: MethodOriginal}

	if utf8.RuneCountInString(query) < minQueryRunes {
		return original
	}
	if p.provider == nil {
		return original
	}

	if p.config.ExpansionEnabled {
		if out, ok := p.expand(ctx, query); ok {
			return out
		}
	}
	if out, ok := p.rewrite(ctx, query); ok {
		return out
	}
	return original
}

func (p *QueryProcessor) expand(ctx context.Context, query string) (ProcessedQuery, bool) {
	resp, err := p.infer(ctx, llm.Request{
		UserPrompt:  fmt.Sprintf(expansionPrompt, query),
		Temperature: 0.3,
		MaxTokens:   300,
	})
	if err != nil {
		p.logger.Info("query expansion skipped", "error", err)
		return ProcessedQuery{}, false
	}

	parsed, ok := parseExpansion(resp.Text)
	if !ok || parsed.PrimaryQuery == "" {
		p.logger.Info("query expansion produced no usable queries")
		return ProcessedQuery{}, false
	}

	variants := dedupeQueries(append([]string{parsed.PrimaryQuery}, parsed.ExpandedQueries...))
	if len(variants) > p.config.MaxQueries {
		variants = variants[:p.config.MaxQueries]
	}
	if !containsQuery(variants, query) {
		variants = append(variants, query)
	}

	return ProcessedQuery{
		Query:           parsed.PrimaryQuery,
		Method:          MethodLLM,
		ExpandedQueries: variants,
		Intent:          parsed.Intent,
	}, true
}

func (p *QueryProcessor) rewrite(ctx context.Context, query string) (ProcessedQuery, bool) {
	resp, err := p.infer(ctx, llm.Request{
		UserPrompt:  fmt.Sprintf(rewritePrompt, query),
		Temperature: 0.1,
		MaxTokens:   100,
	})
	if err != nil {
		p.logger.Info("query rewrite skipped", "error", err)
		return ProcessedQuery{}, false
	}

	rewritten := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp.Text), `"`))
	if utf8.RuneCountInString(rewritten) < 2 || rewritten == query {
		return ProcessedQuery{}, false
	}
	return ProcessedQuery{Query: rewritten, Method: MethodLLM}, true
}

// infer runs one LLM call through the rate limiter and the request queue.
func (p *QueryProcessor) infer(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if p.limiter != nil && !p.limiter.TryAcquire() {
		return nil, ratelimit.ErrRateLimited
	}

	if p.queue == nil {
		return p.provider.Infer(ctx, req)
	}

	var resp *llm.Response
	done, err := p.queue.Submit(ctx, func(ctx context.Context) error {
		var err error
		resp, err = p.provider.Infer(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type expansionResult struct {
	Intent          string   `json:"intent"`
	PrimaryQuery    string   `json:"primary_query"`
	ExpandedQueries []string `json:"expanded_queries"`
}

// parseExpansion accepts bare JSON, JSON inside code fences, or the largest
// {...} substring of a chatty response.
func parseExpansion(text string) (expansionResult, bool) {
	text = strings.TrimSpace(text)

	candidates := []string{text}
	if fenced, ok := stripCodeFence(text); ok {
		candidates = append(candidates, fenced)
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		candidates = append(candidates, text[start:end+1])
	}

	for _, candidate := range candidates {
		var out expansionResult
		if err := json.Unmarshal([]byte(candidate), &out); err == nil {
			return out, true
		}
	}
	return expansionResult{}, false
}

func stripCodeFence(text string) (string, bool) {
	if !strings.HasPrefix(text, "```") {
		return "", false
	}
	body := strings.TrimPrefix(text, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	return strings.TrimSpace(body), true
}

func dedupeQueries(queries []string) []string {
	seen := make(map[string]bool, len(queries))
	out := queries[:0]
	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		key := strings.ToLower(q)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
	}
	return out
}

func containsQuery(queries []string, q string) bool {
	for _, have := range queries {
		if strings.EqualFold(have, q) {
			return true
		}
	}
	return false
}
