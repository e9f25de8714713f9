package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/corvohq/rag/internal/llm"
	"github.com/corvohq/rag/internal/ratelimit"
	"github.com/corvohq/rag/internal/requestqueue"
)

// fakeProvider scripts Infer responses in order and replays stream chunks.
type fakeProvider struct {
	mu        sync.Mutex
	responses []string
	inferErr  error
	chunks    []llm.StreamChunk
	calls     int
	requests  []llm.Request
}

func (f *fakeProvider) Infer(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, req)
	if f.inferErr != nil {
		return nil, f.inferErr
	}
	text := "ok"
	if len(f.responses) > 0 {
		text = f.responses[0]
		f.responses = f.responses[1:]
	}
	return &llm.Response{Text: text, FinishReason: "stop"}, nil
}

func (f *fakeProvider) InferStream(ctx context.Context, req llm.Request) <-chan llm.StreamChunk {
	f.mu.Lock()
	f.calls++
	f.requests = append(f.requests, req)
	chunks := f.chunks
	f.mu.Unlock()

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (f *fakeProvider) Health(ctx context.Context) error { return nil }

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var _ llm.Provider = (*fakeProvider)(nil)

func newTestProcessor(provider llm.Provider, expansion bool) *QueryProcessor {
	return NewQueryProcessor(provider,
		ratelimit.NewBucket(100, 100),
		requestqueue.New(2, 10),
		QueryProcessorConfig{ExpansionEnabled: expansion, MaxQueries: 3},
		nil)
}

func TestProcessShortQueryUntouched(t *testing.T) {
	provider := &fakeProvider{}
	p := newTestProcessor(provider, true)

	got := p.Process(context.Background(), "hey")
	if got.Method != MethodOriginal || got.Query != "hey" {
		t.Errorf("got %+v", got)
	}
	if provider.callCount() != 0 {
		t.Errorf("short query reached the llm")
	}
}

func TestProcessWithoutProvider(t *testing.T) {
	p := newTestProcessor(nil, true)
	got := p.Process(context.Background(), "how do I restart the worker")
	if got.Method != MethodOriginal {
		t.Errorf("got %+v", got)
	}
}

func TestProcessRateLimited(t *testing.T) {
	provider := &fakeProvider{}
	limiter := ratelimit.NewBucket(1, 0.001)
	limiter.TryAcquire() // drain

	p := NewQueryProcessor(provider, limiter, requestqueue.New(2, 10),
		QueryProcessorConfig{ExpansionEnabled: true, MaxQueries: 3}, nil)

	got := p.Process(context.Background(), "how do I restart the worker")
	if got.Method != MethodOriginal {
		t.Errorf("got %+v", got)
	}
	if provider.callCount() != 0 {
		t.Errorf("rate-limited call reached the llm")
	}
}

func TestProcessExpansion(t *testing.T) {
	provider := &fakeProvider{responses: []string{
		"```json\n{\"intent\": \"troubleshooting\", \"primary_query\": \"restart ingest worker\", " +
			"\"expanded_queries\": [\"ingest worker restart procedure\", \"Restart Ingest Worker\", " +
			"\"worker restart steps\", \"one past the cap\"]}\n```",
	}}
	p := newTestProcessor(provider, true)

	query := "how do I restart the ingest worker?"
	got := p.Process(context.Background(), query)

	if got.Method != MethodLLM {
		t.Fatalf("method = %q", got.Method)
	}
	if got.Query != "restart ingest worker" {
		t.Errorf("primary = %q", got.Query)
	}
	if got.Intent != "troubleshooting" {
		t.Errorf("intent = %q", got.Intent)
	}

	// Deduped case-insensitively, capped at max_queries, original appended.
	want := []string{
		"restart ingest worker",
		"ingest worker restart procedure",
		"worker restart steps",
		query,
	}
	if len(got.ExpandedQueries) != len(want) {
		t.Fatalf("variants = %v", got.ExpandedQueries)
	}
	for i, q := range want {
		if got.ExpandedQueries[i] != q {
			t.Errorf("variant %d = %q, want %q", i, got.ExpandedQueries[i], q)
		}
	}
}

func TestProcessExpansionGarbageFallsBackToRewrite(t *testing.T) {
	provider := &fakeProvider{responses: []string{
		"I could not produce structured output, sorry!",
		"ingest worker restart procedure",
	}}
	p := newTestProcessor(provider, true)

	got := p.Process(context.Background(), "how do I restart the worker")
	if got.Method != MethodLLM {
		t.Fatalf("got %+v", got)
	}
	if got.Query != "ingest worker restart procedure" {
		t.Errorf("query = %q", got.Query)
	}
	if len(got.ExpandedQueries) != 0 {
		t.Errorf("rewrite produced variants: %v", got.ExpandedQueries)
	}
}

func TestProcessRewriteRejectsEcho(t *testing.T) {
	query := "restart the worker now"
	provider := &fakeProvider{responses: []string{query}}
	p := newTestProcessor(provider, false)

	got := p.Process(context.Background(), query)
	if got.Method != MethodOriginal || got.Query != query {
		t.Errorf("got %+v", got)
	}
}

func TestProcessLLMFailureIsSilent(t *testing.T) {
	provider := &fakeProvider{inferErr: errors.New("provider down")}
	p := newTestProcessor(provider, true)

	got := p.Process(context.Background(), "how do I restart the worker")
	if got.Method != MethodOriginal {
		t.Errorf("got %+v", got)
	}
}
