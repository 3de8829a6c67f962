package rag

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// VectorStore is the gateway to the chunk vector collection. Upsert is
// idempotent by record id; Search returns hits ordered by similarity
// descending, excluding hits below the threshold.
type VectorStore interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, records []Record) error
	Search(ctx context.Context, vector []float32, topK int, scoreThreshold float64) ([]SearchHit, error)
	Ready(ctx context.Context) error
}

// WeaviateConfig holds connection settings for the Weaviate store.
type WeaviateConfig struct {
	Host       string        `json:"host"`
	Scheme     string        `json:"scheme"`
	APIKey     string        `json:"api_key"`
	Collection string        `json:"collection"`
	Timeout    time.Duration `json:"timeout"`
}

// WeaviateStore stores chunk vectors in a Weaviate class. Vectors are
// supplied by the embedding service (vectorizer "none"); the class
// records the collection dimension so a restart with a different
// embedding model is caught at startup instead of corrupting searches.
type WeaviateStore struct {
	client     *weaviate.Client
	config     *WeaviateConfig
	dimensions int
	logger     *slog.Logger
}

var classDimensionPattern = regexp.MustCompile(`dimensions=(\d+)`)

// NewWeaviateStore creates a Weaviate-backed vector store.
func NewWeaviateStore(config *WeaviateConfig, dimensions int, logger *slog.Logger) (*WeaviateStore, error) {
	if config == nil {
		return nil, fmt.Errorf("weaviate config cannot be nil")
	}
	if config.Scheme == "" {
		config.Scheme = "http"
	}

	var authConfig auth.Config
	if config.APIKey != "" {
		authConfig = auth.ApiKey{Value: config.APIKey}
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:       config.Host,
		Scheme:     config.Scheme,
		AuthConfig: authConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}

	return &WeaviateStore{
		client:     client,
		config:     config,
		dimensions: dimensions,
		logger:     logger.With("component", "weaviate-store"),
	}, nil
}

// opCtx bounds one store call with the configured timeout.
func (ws *WeaviateStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ws.config.Timeout > 0 {
		return context.WithTimeout(ctx, ws.config.Timeout)
	}
	return ctx, func() {}
}

// EnsureCollection creates the chunk class if it does not exist. When the
// class already exists its recorded dimension must match the configured
// embedding dimension; a mismatch is a fatal configuration error.
func (ws *WeaviateStore) EnsureCollection(ctx context.Context) error {
	ctx, cancel := ws.opCtx(ctx)
	defer cancel()

	exists, err := ws.client.Schema().ClassExistenceChecker().
		WithClassName(ws.config.Collection).
		Do(ctx)
	if err != nil {
		return &VectorStoreError{Op: "schema", Err: err}
	}

	if exists {
		class, err := ws.client.Schema().ClassGetter().
			WithClassName(ws.config.Collection).
			Do(ctx)
		if err != nil {
			return &VectorStoreError{Op: "schema", Err: err}
		}
		if m := classDimensionPattern.FindStringSubmatch(class.Description); m != nil {
			dim, _ := strconv.Atoi(m[1])
			if dim != ws.dimensions {
				return fmt.Errorf("collection %q stores %d-dimensional vectors but the embedding provider is configured for %d; refusing to mix embedding spaces",
					ws.config.Collection, dim, ws.dimensions)
			}
		}
		ws.logger.Info("Vector collection verified",
			"collection", ws.config.Collection,
			"dimensions", ws.dimensions,
		)
		return nil
	}

	indexFilterable := true
	class := &models.Class{
		Class:       ws.config.Collection,
		Description: fmt.Sprintf("Document chunk vectors (dimensions=%d)", ws.dimensions),
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "text", DataType: []string{"text"}, Description: "Chunk text"},
			{Name: "documentId", DataType: []string{"text"}, Description: "Owning document id", IndexFilterable: &indexFilterable},
			{Name: "title", DataType: []string{"text"}, Description: "Source document title (filename)"},
			{Name: "author", DataType: []string{"text"}, Description: "Optional document author"},
			{Name: "pageNumber", DataType: []string{"int"}, Description: "1-indexed source page"},
			{Name: "chunkIndex", DataType: []string{"int"}, Description: "Document-wide chunk sequence index"},
		},
	}

	if err := ws.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return &VectorStoreError{Op: "schema", Err: err}
	}

	ws.logger.Info("Vector collection created",
		"collection", ws.config.Collection,
		"dimensions", ws.dimensions,
	)
	return nil
}

// Upsert writes records as one batch. Record ids are UUIDs, so a repeated
// upsert overwrites the existing object rather than duplicating it.
func (ws *WeaviateStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := ws.opCtx(ctx)
	defer cancel()

	objects := make([]*models.Object, len(records))
	for i, rec := range records {
		objects[i] = &models.Object{
			Class:  ws.config.Collection,
			ID:     strfmt.UUID(rec.ID),
			Vector: models.C11yVector(rec.Vector),
			Properties: map[string]interface{}{
				"text":       rec.Payload.Text,
				"documentId": rec.Payload.DocumentID,
				"title":      rec.Payload.Title,
				"author":     rec.Payload.Author,
				"pageNumber": rec.Payload.PageNumber,
				"chunkIndex": rec.Payload.ChunkIndex,
			},
		}
	}

	resp, err := ws.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return &VectorStoreError{Op: "upsert", Err: err}
	}
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return &VectorStoreError{Op: "upsert", Err: fmt.Errorf("object %s: %s", r.ID, r.Result.Errors.Error[0].Message)}
		}
	}

	ws.logger.Debug("Batch upserted", "collection", ws.config.Collection, "records", len(records))
	return nil
}

// Search runs a nearVector query and returns hits ordered by certainty
// descending. Weaviate's cosine certainty is already the [0,1] score the
// rest of the system uses.
func (ws *WeaviateStore) Search(ctx context.Context, vector []float32, topK int, scoreThreshold float64) ([]SearchHit, error) {
	ctx, cancel := ws.opCtx(ctx)
	defer cancel()

	nearVector := ws.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	if scoreThreshold > 0 {
		nearVector = nearVector.WithCertainty(float32(scoreThreshold))
	}

	fields := []graphql.Field{
		{Name: "text"},
		{Name: "documentId"},
		{Name: "title"},
		{Name: "author"},
		{Name: "pageNumber"},
		{Name: "chunkIndex"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
		}},
	}

	result, err := ws.client.GraphQL().Get().
		WithClassName(ws.config.Collection).
		WithNearVector(nearVector).
		WithFields(fields...).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, &VectorStoreError{Op: "search", Err: err}
	}
	if len(result.Errors) > 0 {
		return nil, &VectorStoreError{Op: "search", Err: fmt.Errorf("graphql: %s", result.Errors[0].Message)}
	}

	hits := make([]SearchHit, 0, topK)
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return hits, nil
	}
	items, ok := data[ws.config.Collection].([]interface{})
	if !ok {
		return hits, nil
	}

	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		hits = append(hits, parseHit(obj))
	}

	return hits, nil
}

// Ready reports whether the Weaviate cluster accepts requests.
func (ws *WeaviateStore) Ready(ctx context.Context) error {
	ctx, cancel := ws.opCtx(ctx)
	defer cancel()

	ready, err := ws.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return &VectorStoreError{Op: "ready", Err: err}
	}
	if !ready {
		return &VectorStoreError{Op: "ready", Err: fmt.Errorf("cluster not ready")}
	}
	return nil
}

func parseHit(obj map[string]interface{}) SearchHit {
	var hit SearchHit

	if v, ok := obj["text"].(string); ok {
		hit.Payload.Text = v
	}
	if v, ok := obj["documentId"].(string); ok {
		hit.Payload.DocumentID = v
	}
	if v, ok := obj["title"].(string); ok {
		hit.Payload.Title = v
	}
	if v, ok := obj["author"].(string); ok {
		hit.Payload.Author = v
	}
	if v, ok := obj["pageNumber"].(float64); ok {
		hit.Payload.PageNumber = int(v)
	}
	if v, ok := obj["chunkIndex"].(float64); ok {
		hit.Payload.ChunkIndex = int(v)
	}
	if additional, ok := obj["_additional"].(map[string]interface{}); ok {
		if id, ok := additional["id"].(string); ok {
			hit.ID = id
		}
		if certainty, ok := additional["certainty"].(float64); ok {
			hit.Score = certainty
		}
	}

	return hit
}
