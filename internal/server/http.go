// Package server exposes the RAG service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/corvohq/rag/internal/auth"
	"github.com/corvohq/rag/internal/ingestion"
	"github.com/corvohq/rag/internal/llm"
	"github.com/corvohq/rag/internal/ratelimit"
	"github.com/corvohq/rag/internal/repository"
	"github.com/corvohq/rag/internal/requestqueue"
	"github.com/corvohq/rag/internal/service"
	"github.com/corvohq/rag/internal/vectorstore"
)

// Config holds configuration for the HTTP server.
type Config struct {
	Port           int
	AllowedOrigins []string
	BlobDir        string
	MaxFileBytes   int64
	Logger         *slog.Logger
}

// Server wires the chi router, middleware, and API handlers.
type Server struct {
	server    *http.Server
	router    *chi.Mux
	logger    *slog.Logger
	chat      *service.ChatOrchestrator
	search    *service.SearchEngine
	documents *service.DocumentService
	vectors   vectorstore.Store
	provider  llm.Provider

	maxFileBytes int64
}

// New creates the HTTP server. provider may be nil when no LLM is
// configured; chat endpoints then report unavailable while search and
// document endpoints keep working.
func New(cfg Config, chat *service.ChatOrchestrator, search *service.SearchEngine, documents *service.DocumentService, vectors vectorstore.Store, provider llm.Provider, authMW *auth.Middleware) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	s := &Server{
		router:       router,
		logger:       logger,
		chat:         chat,
		search:       search,
		documents:    documents,
		vectors:      vectors,
		provider:     provider,
		maxFileBytes: cfg.MaxFileBytes,
	}

	router.Get("/healthz", s.handleHealthz)
	router.Get("/readyz", s.handleReadyz)
	router.Get("/health", s.handleReadyz)

	if cfg.BlobDir != "" {
		fs := http.StripPrefix("/media/", http.FileServer(http.Dir(cfg.BlobDir)))
		router.Get("/media/*", fs.ServeHTTP)
	}

	router.Group(func(r chi.Router) {
		if authMW != nil && authMW.Enabled() {
			r.Use(authMW.Handler)
		}

		r.Post("/chat", s.handleChatStream)
		r.Post("/chat/sync", s.handleChatSync)
		r.Post("/provider/search", s.handleSearch)

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", s.handleIngestText)
			r.Post("/file", s.handleIngestFile)
			r.Get("/", s.handleListDocuments)
			r.Get("/{id}", s.handleGetDocument)
			r.Delete("/{id}", s.handleDeleteDocument)
		})
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // streaming LLM responses
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	return nil
}

// Router returns the underlying chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReadyz probes the vector backend and, when configured, the LLM
// endpoint. Either failing makes the service not ready.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"vectors": "ok"}
	status := http.StatusOK

	if err := s.vectors.Health(r.Context()); err != nil {
		checks["vectors"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if s.provider != nil {
		checks["llm"] = "ok"
		if err := s.provider.Health(r.Context()); err != nil {
			checks["llm"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, checks)
}

// handleChatStream streams chat events as server-sent events, one event
// per data frame. Admission failures surface as plain JSON errors before
// the stream starts.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req service.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, fmt.Errorf("streaming unsupported by connection"))
		return
	}

	events, err := s.chat.ChatStream(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("failed to marshal event", "type", ev.Type, "error", err)
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

func (s *Server) handleChatSync(w http.ResponseWriter, r *http.Request) {
	var req service.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.chat.Chat(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req service.SearchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.search.Search(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type ingestTextRequest struct {
	Title       string            `json:"title"`
	Content     string            `json:"content"`
	Category    string            `json:"category,omitempty"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleIngestText(w http.ResponseWriter, r *http.Request) {
	var req ingestTextRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.documents.IngestText(r.Context(), ingestion.TextRequest{
		Title:       req.Title,
		Content:     req.Content,
		Category:    req.Category,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleIngestFile(w http.ResponseWriter, r *http.Request) {
	if s.maxFileBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxFileBytes+1<<20)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid multipart form: %v", service.ErrInvalidRequest, err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: file field is required", service.ErrInvalidRequest))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, fmt.Errorf("failed to read upload: %w", err))
		return
	}

	result, err := s.documents.IngestFile(r.Context(), ingestion.FileRequest{
		Title:       r.FormValue("title"),
		Filename:    header.Filename,
		Data:        data,
		MIME:        header.Header.Get("Content-Type"),
		Category:    r.FormValue("category"),
		Description: r.FormValue("description"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type listDocumentsResponse struct {
	Documents []*repository.Document `json:"documents"`
	Total     int                    `json:"total"`
	Limit     int                    `json:"limit"`
	Offset    int                    `json:"offset"`
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	docs, total, err := s.documents.List(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if docs == nil {
		docs = []*repository.Document{}
	}
	writeJSON(w, http.StatusOK, listDocumentsResponse{
		Documents: docs,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.documents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.documents.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"document_id": id, "status": "deleted"})
}

// writeError maps sentinel errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, ingestion.ErrEmptyContent):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ingestion.ErrFileTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, ingestion.ErrUnsupportedMedia):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, ratelimit.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, requestqueue.ErrQueueFull), errors.Is(err, vectorstore.ErrUnavailable), errors.Is(err, llm.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, vectorstore.ErrRejected), errors.Is(err, vectorstore.ErrProtocol):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", service.ErrInvalidRequest, err)
	}
	return nil
}

// requestLoggingMiddleware logs HTTP requests.
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				// No origins configured: allow all in development.
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token, X-Request-ID, X-API-Key")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
