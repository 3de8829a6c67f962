package rag

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// EmbeddingProvider converts texts into fixed-dimension vectors. Batched
// and per-item results are identical; batching is purely an optimization.
type EmbeddingProvider interface {
	Name() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingConfig holds configuration for the embedding service.
type EmbeddingConfig struct {
	Provider    string `json:"provider"` // "openai" or "mock"
	APIKey      string `json:"api_key"`
	APIEndpoint string `json:"api_endpoint"`
	ModelName   string `json:"model_name"`

	Dimensions     int `json:"dimensions"`
	BatchSize      int `json:"batch_size"`
	MaxConcurrency int `json:"max_concurrency"`

	RequestTimeout time.Duration `json:"request_timeout"`
	RetryAttempts  int           `json:"retry_attempts"`
	RetryDelay     time.Duration `json:"retry_delay"`
	RateLimit      int           `json:"rate_limit"` // provider requests per second, 0 = unlimited
}

// EmbeddingService generates embeddings through a configured provider,
// with an optional Redis cache in front of it. The ingestion and query
// paths share one service so both sides live in the same embedding space.
type EmbeddingService struct {
	config   *EmbeddingConfig
	provider EmbeddingProvider
	cache    *EmbeddingCache
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewEmbeddingService creates the embedding service for the configured
// provider. cache may be nil.
func NewEmbeddingService(config *EmbeddingConfig, cache *EmbeddingCache, logger *slog.Logger) (*EmbeddingService, error) {
	if config == nil {
		return nil, fmt.Errorf("embedding config cannot be nil")
	}
	if config.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", config.Dimensions)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 64
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 2
	}

	var provider EmbeddingProvider
	switch config.Provider {
	case "openai":
		provider = newOpenAIEmbeddingProvider(config)
	case "mock":
		provider = &mockEmbeddingProvider{dimensions: config.Dimensions}
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", config.Provider)
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), config.RateLimit)
	}

	return &EmbeddingService{
		config:   config,
		provider: provider,
		cache:    cache,
		limiter:  limiter,
		logger:   logger.With("component", "embedding-service", "provider", provider.Name()),
	}, nil
}

// Dimensions returns the configured vector dimension.
func (es *EmbeddingService) Dimensions() int {
	return es.config.Dimensions
}

// Embed converts a single text into a vector of the configured dimension.
func (es *EmbeddingService) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := es.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch converts texts into vectors, index-aligned with the input.
// Empty input text is a caller bug and is rejected before the provider is
// consulted. All vectors are dimension-checked; a mismatch is reported as
// an EmbeddingError, never silently passed through.
func (es *EmbeddingService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, ErrEmptyInput
		}
	}

	vectors := make([][]float32, len(texts))

	// Serve what we can from the cache.
	var missing []int
	if es.cache != nil {
		for i, t := range texts {
			if v, ok := es.cache.Get(ctx, t); ok {
				vectors[i] = v
			} else {
				missing = append(missing, i)
			}
		}
	} else {
		missing = make([]int, len(texts))
		for i := range texts {
			missing[i] = i
		}
	}

	if len(missing) == 0 {
		return vectors, nil
	}

	// Embed the misses in provider-sized batches with bounded
	// concurrency. Per-batch results land at their original positions.
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(es.config.MaxConcurrency)

	for batchStart := 0; batchStart < len(missing); batchStart += es.config.BatchSize {
		batch := missing[batchStart:min(batchStart+es.config.BatchSize, len(missing))]
		g.Go(func() error {
			batchTexts := make([]string, len(batch))
			for i, idx := range batch {
				batchTexts[i] = texts[idx]
			}

			if es.limiter != nil {
				if err := es.limiter.Wait(gctx); err != nil {
					return &EmbeddingError{Err: err}
				}
			}

			embedded, err := es.provider.Embed(gctx, batchTexts)
			if err != nil {
				return &EmbeddingError{Err: err}
			}
			if len(embedded) != len(batchTexts) {
				return &EmbeddingError{Err: fmt.Errorf("provider returned %d vectors for %d texts", len(embedded), len(batchTexts))}
			}
			for i, vec := range embedded {
				if len(vec) != es.config.Dimensions {
					return &EmbeddingError{Err: fmt.Errorf("provider returned dimension %d, expected %d", len(vec), es.config.Dimensions)}
				}
				mu.Lock()
				vectors[batch[i]] = vec
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if es.cache != nil {
		for _, i := range missing {
			es.cache.Set(ctx, texts[i], vectors[i])
		}
	}

	return vectors, nil
}

// openAIEmbeddingProvider calls an OpenAI-compatible embeddings endpoint.
type openAIEmbeddingProvider struct {
	config     *EmbeddingConfig
	httpClient *http.Client
	logger     *slog.Logger
}

type openAIEmbeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

func newOpenAIEmbeddingProvider(config *EmbeddingConfig) *openAIEmbeddingProvider {
	timeout := config.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &openAIEmbeddingProvider{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default().With("component", "openai-embeddings"),
	}
}

func (p *openAIEmbeddingProvider) Name() string { return "openai" }

func (p *openAIEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(openAIEmbeddingRequest{
		Input: texts,
		Model: p.config.ModelName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= p.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := p.config.RetryDelay
			if delay == 0 {
				delay = time.Second
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay * time.Duration(attempt)):
			}
		}

		vectors, err := p.doRequest(ctx, body, len(texts))
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		p.logger.Warn("Embedding request failed", "attempt", attempt+1, "error", err)
	}

	return nil, fmt.Errorf("embedding request failed after %d attempts: %w", p.config.RetryAttempts+1, lastErr)
}

func (p *openAIEmbeddingProvider) doRequest(ctx context.Context, body []byte, want int) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.APIEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var apiResp openAIEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(apiResp.Data) != want {
		return nil, fmt.Errorf("embedding API returned %d vectors for %d inputs", len(apiResp.Data), want)
	}

	// Results can arrive out of input order; restore it by index.
	sort.Slice(apiResp.Data, func(i, j int) bool {
		return apiResp.Data[i].Index < apiResp.Data[j].Index
	})

	vectors := make([][]float32, len(apiResp.Data))
	for i, d := range apiResp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// mockEmbeddingProvider produces deterministic unit vectors derived from
// a hash of the input text. Identical texts map to identical vectors, so
// exact-match retrieval behaves sensibly in development and tests.
type mockEmbeddingProvider struct {
	dimensions int
}

func (p *mockEmbeddingProvider) Name() string { return "mock" }

func (p *mockEmbeddingProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = hashVector(text, p.dimensions)
	}
	return vectors, nil
}

func hashVector(text string, dimensions int) []float32 {
	vec := make([]float32, dimensions)
	sum := sha256.Sum256([]byte(text))
	buf := sum[:]

	var norm float64
	for i := 0; i < dimensions; i++ {
		if i%8 == 0 && i > 0 {
			next := sha256.Sum256(buf)
			buf = next[:]
		}
		off := (i % 8) * 4
		bits := binary.BigEndian.Uint32(buf[off : off+4])
		v := float64(int32(bits)) / float64(math.MaxInt32)
		vec[i] = float32(v)
		norm += v * v
	}

	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
