// Package service holds the core orchestration: query processing, hybrid
// search with multi-query fusion, the chat run loop, and document CRUD.
package service

import "errors"

// ErrInvalidRequest is returned for requests failing input validation.
var ErrInvalidRequest = errors.New("invalid request")

// Event types emitted by a chat run.
const (
	EventRunStarted       = "RUN_STARTED"
	EventTextMessageStart = "TEXT_MESSAGE_START"
	EventTextMessageChunk = "TEXT_MESSAGE_CHUNK"
	EventTextMessageEnd   = "TEXT_MESSAGE_END"
	EventCustom           = "CUSTOM"
	EventRunError         = "RUN_ERROR"
	EventRunFinished      = "RUN_FINISHED"
)

// CUSTOM event names.
const (
	CustomKnowledgeSources = "knowledge_sources"
	CustomTokenUsage       = "token_usage"
)

// Event is one element of a chat stream. Exactly one of RUN_FINISHED or
// RUN_ERROR terminates every run.
type Event struct {
	Type      string `json:"type"`
	ThreadID  string `json:"threadId,omitempty"`
	RunID     string `json:"runId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Role      string `json:"role,omitempty"`
	Delta     string `json:"delta,omitempty"`
	Name      string `json:"name,omitempty"`
	Value     any    `json:"value,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SourceRef is one entry of a knowledge_sources event.
type SourceRef struct {
	ChunkID        string  `json:"chunk_id"`
	DocumentTitle  string  `json:"document_title"`
	ContentPreview string  `json:"content_preview"`
	Score          float64 `json:"score"`
}
