// Package llm wraps OpenAI-compatible chat-completion backends behind a
// single Provider interface with blocking and streaming entry points.
package llm

import (
	"context"
	"errors"
)

// ErrUnavailable means the provider could not be reached or answered with a
// server error.
var ErrUnavailable = errors.New("llm unavailable")

// Request is one chat-completion call.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
	MaxTokens    int
}

// Usage is the provider-reported token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the result of a blocking Infer call.
type Response struct {
	Text         string
	Usage        Usage
	Model        string
	FinishReason string
}

// Stream chunk types.
const (
	ChunkContent = "content"
	ChunkDone    = "done"
	ChunkError   = "error"
)

// StreamChunk is one element of a streaming response. A stream carries any
// number of content chunks and ends with exactly one done or error chunk.
type StreamChunk struct {
	Type         string
	Content      string
	Usage        *Usage
	FinishReason string
	Message      string
}

// Provider is a chat-completion backend.
type Provider interface {
	// Infer makes a blocking completion call.
	Infer(ctx context.Context, req Request) (*Response, error)

	// InferStream starts a streaming completion. The returned channel is
	// closed after the terminal done or error chunk; failures are
	// delivered in-band as an error chunk.
	InferStream(ctx context.Context, req Request) <-chan StreamChunk

	// Health probes the provider.
	Health(ctx context.Context) error

	// Name identifies the provider variant.
	Name() string
}
