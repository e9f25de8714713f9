package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corvohq/rag/internal/auth"
	"github.com/corvohq/rag/internal/blob"
	"github.com/corvohq/rag/internal/config"
	"github.com/corvohq/rag/internal/ingestion"
	"github.com/corvohq/rag/internal/llm"
	"github.com/corvohq/rag/internal/memory"
	"github.com/corvohq/rag/internal/ratelimit"
	"github.com/corvohq/rag/internal/repository"
	repomem "github.com/corvohq/rag/internal/repository/memory"
	"github.com/corvohq/rag/internal/repository/postgres"
	"github.com/corvohq/rag/internal/requestqueue"
	"github.com/corvohq/rag/internal/server"
	"github.com/corvohq/rag/internal/service"
	"github.com/corvohq/rag/internal/vectorstore"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting RAG service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
	)

	// Metadata store: PostgreSQL when configured, in-memory otherwise.
	var docs repository.DocumentStore
	if cfg.DatabaseURL != "" {
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		slog.Info("connected to PostgreSQL")

		store := postgres.NewDocumentStore(db)
		if cfg.SnapshotPath != "" {
			n, err := store.ImportSnapshot(ctx, cfg.SnapshotPath)
			if err != nil {
				return fmt.Errorf("failed to import snapshot: %w", err)
			}
			if n > 0 {
				slog.Info("imported legacy snapshot", "path", cfg.SnapshotPath, "documents", n)
			}
		}
		docs = store
	} else {
		slog.Warn("DATABASE_URL is empty, using in-memory metadata store")
		docs = repomem.New()
	}

	vectors := vectorstore.NewClient(cfg.VectorURL,
		vectorstore.WithLogger(slog.Default()),
		vectorstore.WithTimeouts(cfg.VectorTimeout, cfg.IndexTimeout, cfg.HealthTimeout),
	)
	slog.Info("initialized vector backend client", "url", cfg.VectorURL)

	// The LLM is optional: without a model, chat and query expansion are
	// off but search and ingestion keep working.
	var provider llm.Provider
	if cfg.LLMModel != "" {
		provider, err = llm.New(llm.Config{
			Provider:   cfg.LLMProvider,
			Endpoint:   cfg.LLMBaseURL,
			APIKey:     cfg.LLMAPIKey,
			Model:      cfg.LLMModel,
			Timeout:    cfg.LLMTimeout,
			MaxRetries: cfg.LLMMaxRetries,
			RetryDelay: cfg.LLMRetryDelay,
		}, slog.Default())
		if err != nil {
			return fmt.Errorf("failed to create llm provider: %w", err)
		}
		slog.Info("initialized LLM provider", "provider", provider.Name(), "model", cfg.LLMModel)
	} else {
		slog.Warn("LLM_MODEL is empty, chat and query expansion disabled")
	}

	llmLimiter := ratelimit.NewBucket(cfg.LLMRateCapacity, cfg.LLMRateRefill)
	chatLimiter := ratelimit.NewBucket(cfg.ChatRateCapacity, cfg.ChatRateRefill)
	queue := requestqueue.New(cfg.LLMConcurrency, cfg.LLMBacklog)

	var processor *service.QueryProcessor
	if provider != nil {
		processor = service.NewQueryProcessor(provider, llmLimiter, queue, service.QueryProcessorConfig{
			ExpansionEnabled: cfg.ExpansionEnabled,
			MaxQueries:       cfg.MaxQueries,
		}, slog.Default())
	}

	engine := service.NewSearchEngine(vectors, docs, processor, service.SearchConfig{
		ProviderName:   cfg.ProviderName,
		DefaultLimit:   cfg.DefaultSearchLimit,
		MaxLimit:       cfg.MaxSearchLimit,
		MinScore:       cfg.MinSearchScore,
		SemanticWeight: cfg.SemanticWeight,
		KeywordWeight:  cfg.KeywordWeight,
	}, slog.Default())

	blobs, err := blob.NewFilesystemStore(cfg.BlobDir)
	if err != nil {
		return fmt.Errorf("failed to create blob store: %w", err)
	}

	pipeline := ingestion.NewPipeline(docs, vectors, blobs, ingestion.ChunkerConfig{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
	}, cfg.MaxFileBytes, slog.Default())

	history := memory.NewStore(0, cfg.ChatHistoryTTL)
	defer history.Close()

	chat := service.NewChatOrchestrator(engine, provider,
		chatLimiter, llmLimiter, queue, history,
		service.ChatConfig{
			DefaultTemperature:    cfg.ChatTemperature,
			DefaultMaxTokens:      cfg.ChatMaxTokens,
			DefaultSearchLimit:    cfg.ChatSearchLimit,
			IncludeSourcesDefault: cfg.ChatIncludeSources,
			SystemPromptTemplate:  cfg.SystemPromptTemplate,
			HistoryMessages:       cfg.ChatHistoryMessages,
		}, slog.Default())

	documents := service.NewDocumentService(docs, pipeline)

	authMW := auth.New(auth.Config{
		APIKey:    cfg.APIKey,
		JWTSecret: cfg.JWTSecret,
		SkipPaths: []string{"/health", "/readyz", "/media/"},
	})
	if authMW.Enabled() {
		slog.Info("authentication enabled")
	} else {
		slog.Warn("authentication disabled, all endpoints are open")
	}

	httpServer := server.New(server.Config{
		Port:           cfg.HTTPPort,
		AllowedOrigins: []string{"*"}, // Configure in production
		BlobDir:        cfg.BlobDir,
		MaxFileBytes:   cfg.MaxFileBytes,
		Logger:         slog.Default(),
	}, chat, engine, documents, vectors, provider, authMW)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown: stop accepting requests, then drop queued LLM work.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}
	queue.Clear()

	slog.Info("server stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.DocumentStore = (*postgres.DocumentStore)(nil)
	_ repository.DocumentStore = (*repomem.Store)(nil)
	_ vectorstore.Store        = (*vectorstore.Client)(nil)
)
