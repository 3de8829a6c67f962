package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// EmbeddingCache caches text embeddings in Redis, keyed by a hash of the
// text together with the embedding model. Identical chunk or query text
// skips the provider entirely; a model change makes every old entry a
// miss, so vectors from different embedding spaces never cross. The
// cache is best-effort: a Redis failure degrades to a provider call and
// is never surfaced to the caller.
type EmbeddingCache struct {
	client     *redis.Client
	ttl        time.Duration
	model      string
	dimensions int
	logger     *slog.Logger
}

// EmbeddingCacheConfig holds Redis connection settings for the cache and
// the identity of the embedding space it serves.
type EmbeddingCacheConfig struct {
	Address  string        `json:"address"`
	Password string        `json:"password"`
	Database int           `json:"database"`
	TTL      time.Duration `json:"ttl"`

	ModelName  string `json:"model_name"`
	Dimensions int    `json:"dimensions"`
}

// NewEmbeddingCache connects to Redis and verifies the connection.
func NewEmbeddingCache(config *EmbeddingCacheConfig, logger *slog.Logger) (*EmbeddingCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	ttl := config.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	return &EmbeddingCache{
		client:     client,
		ttl:        ttl,
		model:      config.ModelName,
		dimensions: config.Dimensions,
		logger:     logger.With("component", "embedding-cache"),
	}, nil
}

// Get returns the cached vector for text, if present. A hit whose
// dimension disagrees with the configured embedding space is dropped and
// treated as a miss.
func (c *EmbeddingCache) Get(ctx context.Context, text string) ([]float32, bool) {
	key := embeddingKey(c.model, text)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Embedding cache get failed", "error", err)
		}
		return nil, false
	}

	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		c.logger.Warn("Embedding cache entry corrupt, dropping", "error", err)
		c.client.Del(ctx, key)
		return nil, false
	}
	if c.dimensions > 0 && len(vec) != c.dimensions {
		c.logger.Warn("Embedding cache entry has wrong dimension, dropping",
			"got", len(vec),
			"want", c.dimensions,
		)
		c.client.Del(ctx, key)
		return nil, false
	}
	return vec, true
}

// Set stores the vector for text with the configured TTL.
func (c *EmbeddingCache) Set(ctx context.Context, text string, vec []float32) {
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, embeddingKey(c.model, text), data, c.ttl).Err(); err != nil {
		c.logger.Warn("Embedding cache set failed", "error", err)
	}
}

// Close releases the Redis connection.
func (c *EmbeddingCache) Close() error {
	return c.client.Close()
}

// embeddingKey scopes cache entries to the embedding model so entries
// written under one model can never be served for another.
func embeddingKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("semqa:embedding:%s:%s", model, hex.EncodeToString(sum[:]))
}
