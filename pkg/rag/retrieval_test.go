package rag

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semqa/semqa/pkg/llm"
	"github.com/semqa/semqa/pkg/monitoring"
)

func newRetrieval(t *testing.T, store VectorStore, embedder *EmbeddingService, gen llm.Generator) *RetrievalService {
	t.Helper()
	return NewRetrievalService(&RetrievalConfig{TopK: 5, ScoreThreshold: 0},
		embedder, store, gen, monitoring.New(), testLogger())
}

func indexChunks(t *testing.T, store VectorStore, embedder *EmbeddingService, texts ...string) {
	t.Helper()
	records := make([]Record, len(texts))
	for i, text := range texts {
		records[i] = Record{
			ID:     fmt.Sprintf("chunk-%d", i),
			Vector: mustEmbed(t, embedder, text),
			Payload: ChunkPayload{
				Text:       text,
				DocumentID: "doc-1",
				Title:      "manual.pdf",
				PageNumber: i + 1,
				ChunkIndex: i,
			},
		}
	}
	require.NoError(t, store.Upsert(context.Background(), records))
}

func TestAnswer_RejectsBlankQuestion(t *testing.T) {
	const dims = 8
	embedder := newMockEmbedder(t, dims)
	rs := newRetrieval(t, NewMemoryStore(dims), embedder, &llm.MockGenerator{})

	for _, q := range []string{"", "   ", "\n\t"} {
		_, err := rs.Answer(context.Background(), q, 0, 0)
		assert.ErrorIs(t, err, ErrEmptyQuery)
	}
}

func TestAnswer_EmptyIndexReturnsNoAnswer(t *testing.T) {
	const dims = 8
	embedder := newMockEmbedder(t, dims)
	gen := &llm.MockGenerator{Response: "should never be called"}
	rs := newRetrieval(t, NewMemoryStore(dims), embedder, gen)

	answer, err := rs.Answer(context.Background(), "what is in the corpus?", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, NoAnswerText, answer.Answer)
	assert.Empty(t, answer.Sources)
	assert.Empty(t, gen.LastPrompt, "generator must not be consulted without context")
}

func TestAnswer_ThresholdFiltersEverything(t *testing.T) {
	const dims = 8
	embedder := newMockEmbedder(t, dims)
	store := NewMemoryStore(dims)
	indexChunks(t, store, embedder, "completely unrelated content")
	gen := &llm.MockGenerator{Response: "should never be called"}
	rs := newRetrieval(t, store, embedder, gen)

	answer, err := rs.Answer(context.Background(), "what about quantum entanglement?", 5, 0.999)
	require.NoError(t, err)
	assert.Equal(t, NoAnswerText, answer.Answer)
	assert.Empty(t, answer.Sources)
}

func TestAnswer_GroundedAnswerWithSources(t *testing.T) {
	const dims = 16
	embedder := newMockEmbedder(t, dims)
	store := NewMemoryStore(dims)
	indexChunks(t, store, embedder,
		"The warranty period is two years from purchase.",
		"Contact support through the web portal.",
	)
	gen := &llm.MockGenerator{Response: "The warranty lasts two years."}
	rs := newRetrieval(t, store, embedder, gen)

	answer, err := rs.Answer(context.Background(), "The warranty period is two years from purchase.", 5, 0)
	require.NoError(t, err)
	assert.Equal(t, "The warranty lasts two years.", answer.Answer)
	require.Len(t, answer.Sources, 2)

	// Exact-match chunk ranks first with certainty 1.
	assert.Equal(t, "chunk-0", answer.Sources[0].ID)
	assert.InDelta(t, 1.0, answer.Sources[0].Score, 1e-6)
	assert.Equal(t, "doc-1", answer.Sources[0].DocumentID)
	assert.Equal(t, "manual.pdf", answer.Sources[0].Title)
	assert.Equal(t, 1, answer.Sources[0].PageNumber)
	for i := 0; i < len(answer.Sources)-1; i++ {
		assert.GreaterOrEqual(t, answer.Sources[i].Score, answer.Sources[i+1].Score)
	}

	// The prompt carries the retrieved text, the question and the
	// grounding instruction.
	assert.Contains(t, gen.LastPrompt, "The warranty period is two years from purchase.")
	assert.Contains(t, gen.LastPrompt, "Question: The warranty period is two years from purchase.")
	assert.Contains(t, gen.LastPrompt, "ONLY on the provided context")
	assert.Contains(t, gen.LastPrompt, "manual.pdf, page 1")
}

func TestAnswer_TopKLimitsSources(t *testing.T) {
	const dims = 8
	embedder := newMockEmbedder(t, dims)
	store := NewMemoryStore(dims)
	indexChunks(t, store, embedder, "one", "two", "three", "four", "five")
	rs := newRetrieval(t, store, embedder, &llm.MockGenerator{Response: "ok"})

	answer, err := rs.Answer(context.Background(), "one", 2, 0)
	require.NoError(t, err)
	assert.Len(t, answer.Sources, 2)
}

func TestAnswer_MaxContextChunksCapsPromptAndSources(t *testing.T) {
	const dims = 8
	embedder := newMockEmbedder(t, dims)
	store := NewMemoryStore(dims)
	indexChunks(t, store, embedder, "one", "two", "three", "four", "five")
	gen := &llm.MockGenerator{Response: "ok"}
	rs := NewRetrievalService(&RetrievalConfig{TopK: 5, ScoreThreshold: 0, MaxContextChunks: 2},
		embedder, store, gen, monitoring.New(), testLogger())

	answer, err := rs.Answer(context.Background(), "one", 5, 0)
	require.NoError(t, err)
	assert.Len(t, answer.Sources, 2)
	assert.Contains(t, gen.LastPrompt, "[Source 2:")
	assert.NotContains(t, gen.LastPrompt, "[Source 3:")
}

func TestAnswer_PreviewTruncatedAt150Runes(t *testing.T) {
	const dims = 8
	embedder := newMockEmbedder(t, dims)
	store := NewMemoryStore(dims)

	long := strings.Repeat("é", 200)
	indexChunks(t, store, embedder, long, "short text")
	rs := newRetrieval(t, store, embedder, &llm.MockGenerator{Response: "ok"})

	answer, err := rs.Answer(context.Background(), long, 5, 0)
	require.NoError(t, err)
	require.Len(t, answer.Sources, 2)

	assert.Equal(t, strings.Repeat("é", 150)+"...", answer.Sources[0].TextPreview)
	assert.Equal(t, "short text", answer.Sources[1].TextPreview)
}

func TestAnswer_GeneratorFailureClassified(t *testing.T) {
	const dims = 8
	embedder := newMockEmbedder(t, dims)
	store := NewMemoryStore(dims)
	indexChunks(t, store, embedder, "some indexed content")
	gen := &llm.MockGenerator{Err: fmt.Errorf("model overloaded")}
	rs := newRetrieval(t, store, embedder, gen)

	_, err := rs.Answer(context.Background(), "some indexed content", 5, 0)
	require.Error(t, err)
	var rerr *RetrievalError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "generate", rerr.Stage)
}

func TestAnswer_SearchFailureClassified(t *testing.T) {
	const dims = 8
	embedder := newMockEmbedder(t, dims)
	// Store dimension disagrees with the embedder, so search fails.
	store := NewMemoryStore(dims + 1)
	rs := newRetrieval(t, store, embedder, &llm.MockGenerator{Response: "ok"})

	_, err := rs.Answer(context.Background(), "any question", 5, 0)
	require.Error(t, err)
	var rerr *RetrievalError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "search", rerr.Stage)
}

func TestAnswer_UsesConfiguredDefaults(t *testing.T) {
	const dims = 8
	embedder := newMockEmbedder(t, dims)
	store := NewMemoryStore(dims)
	indexChunks(t, store, embedder, "a", "b", "c", "d")
	rs := NewRetrievalService(&RetrievalConfig{TopK: 3, ScoreThreshold: 0},
		embedder, store, &llm.MockGenerator{Response: "ok"}, monitoring.New(), testLogger())

	answer, err := rs.Answer(context.Background(), "a", 0, 0)
	require.NoError(t, err)
	assert.Len(t, answer.Sources, 3)
}
