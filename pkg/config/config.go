package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full service configuration, loaded once at startup and
// passed into each component. Components never read the environment
// themselves.
type Config struct {
	// Service configuration
	Port             string
	LogLevel         string
	GracefulShutdown time.Duration
	MaxUploadSize    int64

	// Vector store configuration
	WeaviateHost   string
	WeaviateScheme string
	WeaviateAPIKey string
	CollectionName string
	VectorStore    string // "weaviate" or "memory"

	// Embedding configuration
	EmbeddingProvider   string // "openai" or "mock"
	EmbeddingModel      string
	EmbeddingDimensions int
	EmbeddingAPIKey     string
	EmbeddingEndpoint   string
	EmbeddingTimeout    time.Duration
	EmbeddingBatchSize  int
	EmbeddingRateLimit  int // requests per second toward the provider, 0 = unlimited
	EmbeddingRetries    int

	// Generative model configuration
	LLMProvider    string // "openai" or "mock"
	LLMModel       string
	LLMAPIKey      string
	LLMEndpoint    string
	LLMTemperature float64
	LLMMaxTokens   int
	LLMTimeout     time.Duration

	// Chunking configuration
	ChunkSize    int
	ChunkOverlap int

	// Retrieval configuration
	DefaultTopK           int
	DefaultScoreThreshold float64
	MaxContextChunks      int

	// Ingestion configuration
	IngestWorkers         int
	IngestQueueSize       int
	ExtractionTimeout     time.Duration
	UpsertTimeout         time.Duration
	EmbedFailureTolerance float64 // dropped-chunk fraction above which the document fails

	// Embedding cache (optional)
	RedisAddr     string // empty disables the cache
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration
}

// Default returns the configuration defaults applied before the
// environment is consulted.
func Default() *Config {
	return &Config{
		Port:             "8080",
		LogLevel:         "info",
		GracefulShutdown: 15 * time.Second,
		MaxUploadSize:    32 << 20, // 32 MiB per file

		WeaviateHost:   "localhost:8080",
		WeaviateScheme: "http",
		CollectionName: "DocumentChunks",
		VectorStore:    "weaviate",

		EmbeddingProvider:   "openai",
		EmbeddingModel:      "text-embedding-3-small",
		EmbeddingDimensions: 1536,
		EmbeddingEndpoint:   "https://api.openai.com/v1/embeddings",
		EmbeddingTimeout:    30 * time.Second,
		EmbeddingBatchSize:  64,
		EmbeddingRateLimit:  0,
		EmbeddingRetries:    2,

		LLMProvider:    "openai",
		LLMModel:       "gpt-4-turbo-preview",
		LLMEndpoint:    "https://api.openai.com/v1/chat/completions",
		LLMTemperature: 0.2,
		LLMMaxTokens:   512,
		LLMTimeout:     45 * time.Second,

		ChunkSize:    700,
		ChunkOverlap: 100,

		DefaultTopK:           5,
		DefaultScoreThreshold: 0,
		MaxContextChunks:      10,

		IngestWorkers:         2,
		IngestQueueSize:       64,
		ExtractionTimeout:     60 * time.Second,
		UpsertTimeout:         30 * time.Second,
		EmbedFailureTolerance: 0.5,

		RedisAddr: "",
		RedisDB:   0,
		CacheTTL:  24 * time.Hour,
	}
}

// Load builds a Config from the environment on top of the defaults and
// validates it. An invalid configuration is a startup error; the process
// must refuse to start rather than run with a broken embedding space.
func Load() (*Config, error) {
	cfg := Default()
	var errs []string

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.GracefulShutdown = parseDuration("GRACEFUL_SHUTDOWN", cfg.GracefulShutdown, &errs)
	cfg.MaxUploadSize = parseInt64("MAX_UPLOAD_SIZE", cfg.MaxUploadSize, &errs)

	cfg.WeaviateHost = getEnv("WEAVIATE_HOST", cfg.WeaviateHost)
	cfg.WeaviateScheme = getEnv("WEAVIATE_SCHEME", cfg.WeaviateScheme)
	cfg.WeaviateAPIKey = getEnv("WEAVIATE_API_KEY", cfg.WeaviateAPIKey)
	cfg.CollectionName = getEnv("COLLECTION_NAME", cfg.CollectionName)
	cfg.VectorStore = getEnv("VECTOR_STORE", cfg.VectorStore)

	cfg.EmbeddingProvider = getEnv("EMBEDDING_PROVIDER", cfg.EmbeddingProvider)
	cfg.EmbeddingModel = getEnv("EMBEDDING_MODEL", cfg.EmbeddingModel)
	cfg.EmbeddingDimensions = parseInt("EMBEDDING_DIMENSIONS", cfg.EmbeddingDimensions, &errs)
	cfg.EmbeddingAPIKey = getEnv("EMBEDDING_API_KEY", os.Getenv("OPENAI_API_KEY"))
	cfg.EmbeddingEndpoint = getEnv("EMBEDDING_ENDPOINT", cfg.EmbeddingEndpoint)
	cfg.EmbeddingTimeout = parseDuration("EMBEDDING_TIMEOUT", cfg.EmbeddingTimeout, &errs)
	cfg.EmbeddingBatchSize = parseInt("EMBEDDING_BATCH_SIZE", cfg.EmbeddingBatchSize, &errs)
	cfg.EmbeddingRateLimit = parseInt("EMBEDDING_RATE_LIMIT", cfg.EmbeddingRateLimit, &errs)
	cfg.EmbeddingRetries = parseInt("EMBEDDING_RETRIES", cfg.EmbeddingRetries, &errs)

	cfg.LLMProvider = getEnv("LLM_PROVIDER", cfg.LLMProvider)
	cfg.LLMModel = getEnv("LLM_MODEL", cfg.LLMModel)
	cfg.LLMAPIKey = getEnv("LLM_API_KEY", os.Getenv("OPENAI_API_KEY"))
	cfg.LLMEndpoint = getEnv("LLM_ENDPOINT", cfg.LLMEndpoint)
	cfg.LLMTemperature = parseFloat("LLM_TEMPERATURE", cfg.LLMTemperature, &errs)
	cfg.LLMMaxTokens = parseInt("LLM_MAX_TOKENS", cfg.LLMMaxTokens, &errs)
	cfg.LLMTimeout = parseDuration("LLM_TIMEOUT", cfg.LLMTimeout, &errs)

	cfg.ChunkSize = parseInt("CHUNK_SIZE", cfg.ChunkSize, &errs)
	cfg.ChunkOverlap = parseInt("CHUNK_OVERLAP", cfg.ChunkOverlap, &errs)

	cfg.DefaultTopK = parseInt("DEFAULT_TOP_K", cfg.DefaultTopK, &errs)
	cfg.DefaultScoreThreshold = parseFloat("DEFAULT_SCORE_THRESHOLD", cfg.DefaultScoreThreshold, &errs)
	cfg.MaxContextChunks = parseInt("MAX_CONTEXT_CHUNKS", cfg.MaxContextChunks, &errs)

	cfg.IngestWorkers = parseInt("INGEST_WORKERS", cfg.IngestWorkers, &errs)
	cfg.IngestQueueSize = parseInt("INGEST_QUEUE_SIZE", cfg.IngestQueueSize, &errs)
	cfg.ExtractionTimeout = parseDuration("EXTRACTION_TIMEOUT", cfg.ExtractionTimeout, &errs)
	cfg.UpsertTimeout = parseDuration("UPSERT_TIMEOUT", cfg.UpsertTimeout, &errs)
	cfg.EmbedFailureTolerance = parseFloat("EMBED_FAILURE_TOLERANCE", cfg.EmbedFailureTolerance, &errs)

	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = parseInt("REDIS_DB", cfg.RedisDB, &errs)
	cfg.CacheTTL = parseDuration("CACHE_TTL", cfg.CacheTTL, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the invariants that cannot be recovered from at
// runtime. A violated chunking or embedding invariant corrupts the whole
// collection, so the process refuses to start instead.
func (c *Config) Validate() error {
	var errs []string

	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Sprintf("CHUNK_SIZE must be positive, got %d", c.ChunkSize))
	}
	if c.ChunkOverlap < 0 {
		errs = append(errs, fmt.Sprintf("CHUNK_OVERLAP must not be negative, got %d", c.ChunkOverlap))
	}
	if c.ChunkSize > 0 && c.ChunkOverlap >= c.ChunkSize {
		errs = append(errs, fmt.Sprintf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", c.ChunkOverlap, c.ChunkSize))
	}
	if c.EmbeddingDimensions <= 0 {
		errs = append(errs, fmt.Sprintf("EMBEDDING_DIMENSIONS must be positive, got %d", c.EmbeddingDimensions))
	}
	switch c.EmbeddingProvider {
	case "openai", "mock":
	default:
		errs = append(errs, fmt.Sprintf("unsupported EMBEDDING_PROVIDER %q", c.EmbeddingProvider))
	}
	if c.EmbeddingProvider == "openai" && c.EmbeddingAPIKey == "" {
		errs = append(errs, "EMBEDDING_API_KEY (or OPENAI_API_KEY) is required for the openai embedding provider")
	}
	switch c.LLMProvider {
	case "openai", "mock":
	default:
		errs = append(errs, fmt.Sprintf("unsupported LLM_PROVIDER %q", c.LLMProvider))
	}
	if c.LLMProvider == "openai" && c.LLMAPIKey == "" {
		errs = append(errs, "LLM_API_KEY (or OPENAI_API_KEY) is required for the openai LLM provider")
	}
	switch c.VectorStore {
	case "weaviate", "memory":
	default:
		errs = append(errs, fmt.Sprintf("unsupported VECTOR_STORE %q", c.VectorStore))
	}
	if c.EmbedFailureTolerance < 0 || c.EmbedFailureTolerance > 1 {
		errs = append(errs, fmt.Sprintf("EMBED_FAILURE_TOLERANCE must be in [0,1], got %v", c.EmbedFailureTolerance))
	}
	if c.DefaultScoreThreshold < 0 || c.DefaultScoreThreshold > 1 {
		errs = append(errs, fmt.Sprintf("DEFAULT_SCORE_THRESHOLD must be in [0,1], got %v", c.DefaultScoreThreshold))
	}
	if c.DefaultTopK <= 0 {
		errs = append(errs, fmt.Sprintf("DEFAULT_TOP_K must be positive, got %d", c.DefaultTopK))
	}
	if c.IngestWorkers <= 0 {
		errs = append(errs, fmt.Sprintf("INGEST_WORKERS must be positive, got %d", c.IngestWorkers))
	}
	if c.IngestQueueSize <= 0 {
		errs = append(errs, fmt.Sprintf("INGEST_QUEUE_SIZE must be positive, got %d", c.IngestQueueSize))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseInt(key string, defaultValue int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultValue
	}
	return n
}

func parseInt64(key string, defaultValue int64, errs *[]string) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultValue
	}
	return n
}

func parseFloat(key string, defaultValue float64, errs *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid float %q", key, v))
		return defaultValue
	}
	return f
}

func parseDuration(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultValue
	}
	return d
}
