package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-process VectorStore for development and tests. It
// implements the same idempotent-upsert and threshold semantics as the
// Weaviate store with cosine certainty scoring.
type MemoryStore struct {
	dimensions int
	mu         sync.RWMutex
	records    map[string]Record
}

// NewMemoryStore creates an empty in-memory vector store.
func NewMemoryStore(dimensions int) *MemoryStore {
	return &MemoryStore{
		dimensions: dimensions,
		records:    make(map[string]Record),
	}
}

// EnsureCollection is a no-op for the in-memory store.
func (ms *MemoryStore) EnsureCollection(_ context.Context) error {
	return nil
}

// Upsert stores records by id, overwriting any existing record with the
// same id.
func (ms *MemoryStore) Upsert(_ context.Context, records []Record) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, rec := range records {
		if len(rec.Vector) != ms.dimensions {
			return &VectorStoreError{Op: "upsert", Err: fmt.Errorf("record %s has dimension %d, collection is %d", rec.ID, len(rec.Vector), ms.dimensions)}
		}
		ms.records[rec.ID] = rec
	}
	return nil
}

// Search scores every record by cosine certainty against the query
// vector, excludes hits below the threshold, and returns the topK ranked
// by score descending. Ties break on chunk index then id so ordering is
// deterministic.
func (ms *MemoryStore) Search(_ context.Context, vector []float32, topK int, scoreThreshold float64) ([]SearchHit, error) {
	if len(vector) != ms.dimensions {
		return nil, &VectorStoreError{Op: "search", Err: fmt.Errorf("query vector has dimension %d, collection is %d", len(vector), ms.dimensions)}
	}

	ms.mu.RLock()
	hits := make([]SearchHit, 0, len(ms.records))
	for _, rec := range ms.records {
		score := cosineCertainty(vector, rec.Vector)
		// Small epsilon so an exact-duplicate vector passes a 1.0
		// threshold despite float rounding.
		if scoreThreshold > 0 && score+1e-6 < scoreThreshold {
			continue
		}
		hits = append(hits, SearchHit{ID: rec.ID, Score: score, Payload: rec.Payload})
	}
	ms.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Payload.ChunkIndex != hits[j].Payload.ChunkIndex {
			return hits[i].Payload.ChunkIndex < hits[j].Payload.ChunkIndex
		}
		return hits[i].ID < hits[j].ID
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Ready always succeeds for the in-memory store.
func (ms *MemoryStore) Ready(_ context.Context) error {
	return nil
}

// Len returns the number of stored records.
func (ms *MemoryStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.records)
}

// Get returns the stored record for id, if present.
func (ms *MemoryStore) Get(id string) (Record, bool) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	rec, ok := ms.records[id]
	return rec, ok
}

// cosineCertainty maps cosine similarity into [0,1]: 1 for identical
// direction, 0.5 for orthogonal, 0 for opposite. This matches Weaviate's
// certainty for a cosine distance space.
func cosineCertainty(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return (1 + cos) / 2
}
