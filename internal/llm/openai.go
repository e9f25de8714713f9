package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout    = 60 * time.Second
	defaultMaxRetries = 2
	defaultRetryDelay = time.Second

	// SSE lines can carry a whole accumulated completion.
	maxStreamLine = 1 << 20
)

// OpenAIProvider speaks the OpenAI chat-completions wire protocol. All the
// supported variants (OpenAI, DeepSeek, LiteLLM, self-hosted gateways)
// share it and differ only in endpoint and model naming.
type OpenAIProvider struct {
	name       string
	endpoint   string
	apiKey     string
	model      string
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// ProviderConfig configures an OpenAI-compatible provider.
type ProviderConfig struct {
	Name       string
	Endpoint   string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// NewOpenAIProvider creates a provider. Endpoint is the API base URL up to
// and including the version segment (e.g. https://api.openai.com/v1).
func NewOpenAIProvider(cfg ProviderConfig) *OpenAIProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &OpenAIProvider{
		name:       name,
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		// No client-level timeout: streams outlive any sane value and
		// blocking calls get a per-call context deadline instead.
		httpClient: &http.Client{},
		logger:     cfg.Logger,
	}
}

// Name identifies the provider variant.
func (p *OpenAIProvider) Name() string { return p.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Stream        bool           `json:"stream"`
	Temperature   float64        `json:"temperature"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

func (p *OpenAIProvider) buildRequest(req Request, stream bool) chatRequest {
	var messages []chatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.UserPrompt})

	cr := chatRequest{
		Model:       p.model,
		Messages:    messages,
		Stream:      stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if stream {
		cr.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return cr
}

// Infer makes a blocking completion call, retrying transport failures with
// exponential back-off. HTTP 4xx responses are never retried.
func (p *OpenAIProvider) Infer(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(p.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.retryDelay << (attempt - 1)
			p.logger.Warn("llm call failed, retrying",
				"provider", p.name, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, retryable, err := p.inferOnce(ctx, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (p *OpenAIProvider) inferOnce(ctx context.Context, payload []byte) (*Response, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpResp, err := p.post(ctx, payload)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}

	if httpResp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("%w: status %d: %s", ErrUnavailable, httpResp.StatusCode, trimBody(body))
	}
	if httpResp.StatusCode >= 400 {
		return nil, false, fmt.Errorf("llm request rejected: status %d: %s", httpResp.StatusCode, trimBody(body))
	}

	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, false, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, false, fmt.Errorf("response carries no choices")
	}

	return &Response{
		Text:         cr.Choices[0].Message.Content,
		Usage:        cr.Usage,
		Model:        cr.Model,
		FinishReason: cr.Choices[0].FinishReason,
	}, false, nil
}

type streamEvent struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// InferStream starts a streaming completion. Every failure, including the
// initial connection, arrives in-band as a single error chunk so callers
// consume exactly one terminal chunk per stream.
func (p *OpenAIProvider) InferStream(ctx context.Context, req Request) <-chan StreamChunk {
	out := make(chan StreamChunk)
	go func() {
		defer close(out)

		send := func(c StreamChunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		payload, err := json.Marshal(p.buildRequest(req, true))
		if err != nil {
			send(StreamChunk{Type: ChunkError, Message: "failed to encode request: " + err.Error()})
			return
		}

		httpResp, err := p.post(ctx, payload)
		if err != nil {
			send(StreamChunk{Type: ChunkError, Message: "llm unavailable: " + err.Error()})
			return
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
			send(StreamChunk{Type: ChunkError,
				Message: fmt.Sprintf("llm returned status %d: %s", httpResp.StatusCode, trimBody(body))})
			return
		}

		var usage *Usage
		finishReason := ""

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 64*1024), maxStreamLine)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				break
			}

			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				send(StreamChunk{Type: ChunkError, Message: "malformed stream chunk: " + err.Error()})
				return
			}
			if ev.Usage != nil {
				usage = ev.Usage
			}
			for _, choice := range ev.Choices {
				if choice.FinishReason != nil && *choice.FinishReason != "" {
					finishReason = *choice.FinishReason
				}
				if choice.Delta.Content != "" {
					if !send(StreamChunk{Type: ChunkContent, Content: choice.Delta.Content}) {
						return
					}
				}
			}
		}
		if err := scanner.Err(); err != nil {
			send(StreamChunk{Type: ChunkError, Message: "stream read failed: " + err.Error()})
			return
		}

		send(StreamChunk{Type: ChunkDone, Usage: usage, FinishReason: finishReason})
	}()
	return out
}

// Health probes GET /models.
func (p *OpenAIProvider) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/models", nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}
	p.authorize(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: health returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (p *OpenAIProvider) post(ctx context.Context, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	p.authorize(req)
	return p.httpClient.Do(req)
}

func (p *OpenAIProvider) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

func trimBody(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

var _ Provider = (*OpenAIProvider)(nil)
