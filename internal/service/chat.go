package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/corvohq/rag/internal/llm"
	"github.com/corvohq/rag/internal/memory"
	"github.com/corvohq/rag/internal/ratelimit"
	"github.com/corvohq/rag/internal/requestqueue"
)

const (
	sourcePreviewRunes = 100
	noContextSentence  = "No relevant context was found for this query."

	// How long a chat run is willing to wait for an LLM rate-limit token.
	llmAcquireTimeout = 10 * time.Second
)

// ChatOptions are per-request overrides. Nil pointer fields keep defaults.
type ChatOptions struct {
	SearchLimit    int      `json:"search_limit,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	IncludeSources *bool    `json:"include_sources,omitempty"`
}

// ChatRequest is one chat call, streaming or synchronous.
type ChatRequest struct {
	Message  string      `json:"message"`
	ThreadID string      `json:"threadId,omitempty"`
	RunID    string      `json:"runId,omitempty"`
	UserID   string      `json:"user_id,omitempty"`
	Options  ChatOptions `json:"options,omitempty"`
}

// ChatResponse is the synchronous chat result.
type ChatResponse struct {
	ThreadID  string      `json:"threadId"`
	RunID     string      `json:"runId"`
	MessageID string      `json:"messageId"`
	Response  string      `json:"response"`
	Sources   []SourceRef `json:"sources,omitempty"`
	Usage     *llm.Usage  `json:"usage,omitempty"`
}

// ChatConfig holds the chat defaults.
type ChatConfig struct {
	DefaultTemperature    float64
	DefaultMaxTokens      int
	DefaultSearchLimit    int
	IncludeSourcesDefault bool
	SystemPromptTemplate  string // must contain {context}
	HistoryMessages       int
}

// ChatOrchestrator drives a chat run: retrieval, prompt assembly, the LLM
// stream, and the typed event sequence around it.
type ChatOrchestrator struct {
	search      *SearchEngine
	provider    llm.Provider
	chatLimiter *ratelimit.Bucket
	llmLimiter  *ratelimit.Bucket
	queue       *requestqueue.Queue
	history     *memory.Store
	config      ChatConfig
	logger      *slog.Logger
}

// NewChatOrchestrator wires a chat orchestrator. history may be nil to
// disable multi-turn context.
func NewChatOrchestrator(search *SearchEngine, provider llm.Provider, chatLimiter, llmLimiter *ratelimit.Bucket, queue *requestqueue.Queue, history *memory.Store, config ChatConfig, logger *slog.Logger) *ChatOrchestrator {
	if config.DefaultTemperature <= 0 {
		config.DefaultTemperature = 0.7
	}
	if config.DefaultMaxTokens <= 0 {
		config.DefaultMaxTokens = 2048
	}
	if config.DefaultSearchLimit <= 0 {
		config.DefaultSearchLimit = 5
	}
	if config.SystemPromptTemplate == "" {
		config.SystemPromptTemplate = DefaultSystemPromptTemplate
	}
	if config.HistoryMessages <= 0 {
		config.HistoryMessages = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatOrchestrator{
		search:      search,
		provider:    provider,
		chatLimiter: chatLimiter,
		llmLimiter:  llmLimiter,
		queue:       queue,
		history:     history,
		config:      config,
		logger:      logger,
	}
}

// DefaultSystemPromptTemplate is the stock RAG prompt; {context} is
// replaced with the retrieved passages.
const DefaultSystemPromptTemplate = `You are a helpful assistant. Answer using the knowledge base context below.
If the context does not cover the question, say so instead of guessing.

Context:
{context}`

// ChatStream runs a streaming chat. Admission control happens before any
// event is emitted: a rate-limited request returns an error and no stream.
// Once the channel is returned, the run terminates with exactly one
// RUN_FINISHED or RUN_ERROR event.
func (o *ChatOrchestrator) ChatStream(ctx context.Context, req ChatRequest) (<-chan Event, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if o.provider == nil {
		return nil, fmt.Errorf("%w: no llm provider configured", llm.ErrUnavailable)
	}
	if o.chatLimiter != nil && !o.chatLimiter.TryAcquire() {
		return nil, ratelimit.ErrRateLimited
	}

	run := o.newRun(req)
	events := make(chan Event)

	go func() {
		defer close(events)

		emit := func(ev Event) bool {
			ev.ThreadID = run.threadID
			ev.RunID = run.runID
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(Event{Type: EventRunStarted}) {
			return
		}
		if err := o.streamRun(ctx, run, emit); err != nil {
			o.logger.Warn("chat run failed", "run_id", run.runID, "error", err)
			emit(Event{Type: EventRunError, Error: err.Error()})
			return
		}
		emit(Event{Type: EventRunFinished})
	}()

	return events, nil
}

// chatRun carries one run's resolved identifiers and options.
type chatRun struct {
	threadID, runID, messageID string
	message, userID            string
	searchLimit, maxTokens     int
	temperature                float64
	includeSources             bool
}

func (o *ChatOrchestrator) newRun(req ChatRequest) *chatRun {
	run := &chatRun{
		threadID:       req.ThreadID,
		runID:          req.RunID,
		messageID:      uuid.NewString(),
		message:        req.Message,
		userID:         req.UserID,
		searchLimit:    req.Options.SearchLimit,
		maxTokens:      req.Options.MaxTokens,
		temperature:    o.config.DefaultTemperature,
		includeSources: o.config.IncludeSourcesDefault,
	}
	if run.threadID == "" {
		run.threadID = uuid.NewString()
	}
	if run.runID == "" {
		run.runID = uuid.NewString()
	}
	if run.userID == "" {
		run.userID = "anonymous"
	}
	if run.searchLimit <= 0 {
		run.searchLimit = o.config.DefaultSearchLimit
	}
	if run.maxTokens <= 0 {
		run.maxTokens = o.config.DefaultMaxTokens
	}
	if req.Options.Temperature != nil {
		run.temperature = *req.Options.Temperature
	}
	if req.Options.IncludeSources != nil {
		run.includeSources = *req.Options.IncludeSources
	}
	return run
}

func (o *ChatOrchestrator) streamRun(ctx context.Context, run *chatRun, emit func(Event) bool) error {
	llmReq, sources, err := o.prepare(ctx, run)
	if err != nil {
		return err
	}

	if run.includeSources && len(sources) > 0 {
		if !emit(Event{Type: EventCustom, Name: CustomKnowledgeSources, Value: sources}) {
			return nil
		}
	}

	if o.history != nil {
		o.history.AddUserMessage(run.threadID, run.message)
	}

	if !emit(Event{Type: EventTextMessageStart, MessageID: run.messageID, Role: "assistant"}) {
		return nil
	}

	var (
		answer       strings.Builder
		usage        *llm.Usage
		finishReason string
	)
	err = o.withLLMSlot(ctx, func(ctx context.Context) error {
		// Abandoning the loop early must release the producer goroutine.
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		for chunk := range o.provider.InferStream(ctx, llmReq) {
			switch chunk.Type {
			case llm.ChunkContent:
				answer.WriteString(chunk.Content)
				if !emit(Event{Type: EventTextMessageChunk, MessageID: run.messageID, Delta: chunk.Content}) {
					return ctx.Err()
				}
			case llm.ChunkDone:
				usage = chunk.Usage
				finishReason = chunk.FinishReason
			case llm.ChunkError:
				return fmt.Errorf("llm stream failed: %s", chunk.Message)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !emit(Event{Type: EventTextMessageEnd, MessageID: run.messageID}) {
		return nil
	}
	if usage != nil {
		if !emit(Event{Type: EventCustom, Name: CustomTokenUsage, Value: usage}) {
			return nil
		}
	}

	if o.history != nil && answer.Len() > 0 {
		o.history.AddAssistantMessage(run.threadID, answer.String())
	}
	o.logger.Info("chat run finished",
		"run_id", run.runID, "thread_id", run.threadID,
		"answer_runes", utf8.RuneCountInString(answer.String()),
		"finish_reason", finishReason)
	return nil
}

// Chat is the synchronous variant: same preparation, one blocking LLM call.
func (o *ChatOrchestrator) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if o.provider == nil {
		return nil, fmt.Errorf("%w: no llm provider configured", llm.ErrUnavailable)
	}
	if o.chatLimiter != nil && !o.chatLimiter.TryAcquire() {
		return nil, ratelimit.ErrRateLimited
	}

	run := o.newRun(req)
	llmReq, sources, err := o.prepare(ctx, run)
	if err != nil {
		return nil, err
	}

	if o.history != nil {
		o.history.AddUserMessage(run.threadID, run.message)
	}

	var resp *llm.Response
	err = o.withLLMSlot(ctx, func(ctx context.Context) error {
		var err error
		resp, err = o.provider.Infer(ctx, llmReq)
		return err
	})
	if err != nil {
		return nil, err
	}

	if o.history != nil {
		o.history.AddAssistantMessage(run.threadID, resp.Text)
	}

	out := &ChatResponse{
		ThreadID:  run.threadID,
		RunID:     run.runID,
		MessageID: run.messageID,
		Response:  resp.Text,
		Usage:     &resp.Usage,
	}
	if run.includeSources {
		out.Sources = sources
	}
	return out, nil
}

// prepare runs retrieval and builds the LLM request and source refs.
func (o *ChatOrchestrator) prepare(ctx context.Context, run *chatRun) (llm.Request, []SourceRef, error) {
	searchResp, err := o.search.Search(ctx, SearchRequest{
		UserID: run.userID,
		Query:  run.message,
		Limit:  run.searchLimit,
	})
	if err != nil {
		return llm.Request{}, nil, fmt.Errorf("retrieval failed: %w", err)
	}

	sources := make([]SourceRef, 0, len(searchResp.Chunks))
	for _, chunk := range searchResp.Chunks {
		sources = append(sources, SourceRef{
			ChunkID:        chunk.ChunkID,
			DocumentTitle:  chunk.DocumentTitle,
			ContentPreview: preview(chunk.Content),
			Score:          chunk.Score,
		})
	}

	systemPrompt := strings.ReplaceAll(o.config.SystemPromptTemplate,
		"{context}", contextText(searchResp.Chunks))
	if o.history != nil {
		if h := o.history.FormatForPrompt(run.threadID, o.config.HistoryMessages); h != "" {
			systemPrompt += "\n\nPrevious conversation:\n" + h
		}
	}

	return llm.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   run.message,
		Temperature:  run.temperature,
		MaxTokens:    run.maxTokens,
	}, sources, nil
}

// withLLMSlot routes an LLM call through the rate limiter and the request
// queue, holding a queue slot for the duration of fn.
func (o *ChatOrchestrator) withLLMSlot(ctx context.Context, fn requestqueue.Job) error {
	if o.llmLimiter != nil && !o.llmLimiter.Acquire(ctx, llmAcquireTimeout) {
		return ratelimit.ErrRateLimited
	}
	if o.queue == nil {
		return fn(ctx)
	}

	done, err := o.queue.Submit(ctx, fn)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// contextText renders retrieved chunks for prompt inclusion.
func contextText(chunks []ProviderChunk) string {
	if len(chunks) == 0 {
		return noContextSentence
	}
	parts := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		title := chunk.DocumentTitle
		if title == "" {
			title = fmt.Sprintf("Source %d", i+1)
		}
		parts = append(parts, fmt.Sprintf("【%s】\n%s", title, chunk.Content))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= sourcePreviewRunes {
		return content
	}
	return string(runes[:sourcePreviewRunes]) + "..."
}
