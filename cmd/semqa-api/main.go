package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/semqa/semqa/pkg/config"
	"github.com/semqa/semqa/pkg/handlers"
	"github.com/semqa/semqa/pkg/llm"
	"github.com/semqa/semqa/pkg/monitoring"
	"github.com/semqa/semqa/pkg/rag"
)

func main() {
	// Best effort: a missing .env is the normal production case.
	_ = godotenv.Load()

	logger := createLoggerWithLevel(os.Getenv("LOG_LEVEL"))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Starting semqa service",
		slog.String("port", cfg.Port),
		slog.String("vector_store", cfg.VectorStore),
		slog.String("embedding_provider", cfg.EmbeddingProvider),
		slog.String("embedding_model", cfg.EmbeddingModel),
		slog.Int("embedding_dimensions", cfg.EmbeddingDimensions),
		slog.String("llm_provider", cfg.LLMProvider),
		slog.String("llm_model", cfg.LLMModel),
	)

	metrics := monitoring.New()

	// Embedding cache is optional; the service runs without Redis.
	var cache *rag.EmbeddingCache
	if cfg.RedisAddr != "" {
		cache, err = rag.NewEmbeddingCache(&rag.EmbeddingCacheConfig{
			Address:    cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			Database:   cfg.RedisDB,
			TTL:        cfg.CacheTTL,
			ModelName:  cfg.EmbeddingModel,
			Dimensions: cfg.EmbeddingDimensions,
		}, logger)
		if err != nil {
			logger.Warn("Embedding cache unavailable, continuing without it",
				slog.String("addr", cfg.RedisAddr),
				slog.String("error", err.Error()))
			cache = nil
		}
	}

	embedder, err := rag.NewEmbeddingService(&rag.EmbeddingConfig{
		Provider:       cfg.EmbeddingProvider,
		APIKey:         cfg.EmbeddingAPIKey,
		APIEndpoint:    cfg.EmbeddingEndpoint,
		ModelName:      cfg.EmbeddingModel,
		Dimensions:     cfg.EmbeddingDimensions,
		BatchSize:      cfg.EmbeddingBatchSize,
		MaxConcurrency: 4,
		RequestTimeout: cfg.EmbeddingTimeout,
		RetryAttempts:  cfg.EmbeddingRetries,
		RetryDelay:     time.Second,
		RateLimit:      cfg.EmbeddingRateLimit,
	}, cache, logger)
	if err != nil {
		logger.Error("Failed to create embedding service", slog.String("error", err.Error()))
		os.Exit(1)
	}

	store, err := buildVectorStore(cfg, logger)
	if err != nil {
		logger.Error("Failed to create vector store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Fail fast: a dimension mismatch against an existing collection
	// must abort startup, not surface as broken search results later.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = store.EnsureCollection(ctx)
	cancel()
	if err != nil {
		logger.Error("Failed to ensure vector collection", slog.String("error", err.Error()))
		os.Exit(1)
	}

	chunker, err := rag.NewChunkingService(&rag.ChunkingConfig{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
	}, logger)
	if err != nil {
		logger.Error("Failed to create chunking service", slog.String("error", err.Error()))
		os.Exit(1)
	}

	generator, err := llm.New(&llm.Config{
		Provider:    cfg.LLMProvider,
		APIKey:      cfg.LLMAPIKey,
		APIEndpoint: cfg.LLMEndpoint,
		ModelName:   cfg.LLMModel,
		Temperature: cfg.LLMTemperature,
		MaxTokens:   cfg.LLMMaxTokens,
		Timeout:     cfg.LLMTimeout,
	}, logger)
	if err != nil {
		logger.Error("Failed to create LLM client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ingestion := rag.NewIngestionService(&rag.IngestionConfig{
		Workers:           cfg.IngestWorkers,
		QueueSize:         cfg.IngestQueueSize,
		ExtractionTimeout: cfg.ExtractionTimeout,
		UpsertTimeout:     cfg.UpsertTimeout,
		FailureTolerance:  cfg.EmbedFailureTolerance,
	}, rag.NewPDFExtractor(logger), chunker, embedder, store, metrics, logger)
	ingestion.Start()

	retrieval := rag.NewRetrievalService(&rag.RetrievalConfig{
		TopK:             cfg.DefaultTopK,
		ScoreThreshold:   cfg.DefaultScoreThreshold,
		MaxContextChunks: cfg.MaxContextChunks,
	}, embedder, store, generator, metrics, logger)

	router := mux.NewRouter()
	handlers.New(ingestion, retrieval, store, metrics, cfg.MaxUploadSize, logger).Register(router)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("Server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdown)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", slog.String("error", err.Error()))
	}

	// Stop accepting new work and drain in-flight documents.
	ingestion.Stop()

	logger.Info("Server exited")
}

func buildVectorStore(cfg *config.Config, logger *slog.Logger) (rag.VectorStore, error) {
	if cfg.VectorStore == "memory" {
		return rag.NewMemoryStore(cfg.EmbeddingDimensions), nil
	}
	return rag.NewWeaviateStore(&rag.WeaviateConfig{
		Host:       cfg.WeaviateHost,
		Scheme:     cfg.WeaviateScheme,
		APIKey:     cfg.WeaviateAPIKey,
		Collection: cfg.CollectionName,
		Timeout:    30 * time.Second,
	}, cfg.EmbeddingDimensions, logger)
}

func createLoggerWithLevel(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}
