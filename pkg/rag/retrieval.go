package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/semqa/semqa/pkg/llm"
	"github.com/semqa/semqa/pkg/monitoring"
)

// NoAnswerText is returned verbatim when retrieval finds nothing at or
// above the relevance threshold. Callers can rely on it to distinguish
// "nothing relevant indexed" from a grounded answer.
const NoAnswerText = "I could not find any relevant documents to answer your question. Please try rephrasing or upload relevant documents first."

const previewRunes = 150

// RetrievalConfig holds query-path configuration. MaxContextChunks caps
// how many hits feed the grounding prompt regardless of the requested
// topK; zero means no cap.
type RetrievalConfig struct {
	TopK             int     `json:"top_k"`
	ScoreThreshold   float64 `json:"score_threshold"`
	MaxContextChunks int     `json:"max_context_chunks"`
}

// RetrievalService answers questions over the indexed corpus: embed the
// query, search the vector store, build a grounded prompt from the hits
// and make exactly one generation call.
type RetrievalService struct {
	config    *RetrievalConfig
	embedder  *EmbeddingService
	store     VectorStore
	generator llm.Generator
	metrics   *monitoring.Metrics
	logger    *slog.Logger
}

// NewRetrievalService builds the query-path orchestrator.
func NewRetrievalService(
	config *RetrievalConfig,
	embedder *EmbeddingService,
	store VectorStore,
	generator llm.Generator,
	metrics *monitoring.Metrics,
	logger *slog.Logger,
) *RetrievalService {
	return &RetrievalService{
		config:    config,
		embedder:  embedder,
		store:     store,
		generator: generator,
		metrics:   metrics,
		logger:    logger.With("component", "retrieval"),
	}
}

// Answer runs the full query pipeline. topK and threshold override the
// configured defaults when positive; a blank question is rejected before
// any external call is made.
func (rs *RetrievalService) Answer(ctx context.Context, question string, topK int, threshold float64) (*Answer, error) {
	started := time.Now()
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuery
	}
	if topK <= 0 {
		topK = rs.config.TopK
	}
	if threshold <= 0 {
		threshold = rs.config.ScoreThreshold
	}

	queryVector, err := rs.embedder.Embed(ctx, question)
	if err != nil {
		rs.metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, &RetrievalError{Stage: "embed", Err: err}
	}

	hits, err := rs.store.Search(ctx, queryVector, topK, threshold)
	if err != nil {
		rs.metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, &RetrievalError{Stage: "search", Err: err}
	}

	if len(hits) == 0 {
		rs.metrics.QueriesTotal.WithLabelValues("no_results").Inc()
		rs.logger.Info("No relevant chunks found",
			"top_k", topK,
			"threshold", threshold,
			"elapsed", time.Since(started),
		)
		return &Answer{Answer: NoAnswerText, Sources: []Source{}}, nil
	}

	// Sources mirror the context the answer was grounded on, so the cap
	// applies to both.
	if max := rs.config.MaxContextChunks; max > 0 && len(hits) > max {
		hits = hits[:max]
	}

	prompt := buildPrompt(question, hits)
	answer, err := rs.generator.Generate(ctx, prompt)
	if err != nil {
		rs.metrics.GenerationCalls.WithLabelValues("error").Inc()
		rs.metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, &RetrievalError{Stage: "generate", Err: err}
	}
	rs.metrics.GenerationCalls.WithLabelValues("success").Inc()
	rs.metrics.QueriesTotal.WithLabelValues("success").Inc()
	rs.metrics.QueryDuration.Observe(time.Since(started).Seconds())

	rs.logger.Info("Query answered",
		"hits", len(hits),
		"top_k", topK,
		"threshold", threshold,
		"elapsed", time.Since(started),
	)

	return &Answer{Answer: answer, Sources: buildSources(hits)}, nil
}

// buildPrompt assembles the grounding prompt. Context blocks appear in
// score order, each labelled with its source title and page so the model
// can cite them.
func buildPrompt(question string, hits []SearchHit) string {
	var b strings.Builder
	b.WriteString("You are a helpful assistant that answers questions based ONLY on the provided context.\n")
	b.WriteString("If the context does not contain enough information to answer the question, say so explicitly.\n")
	b.WriteString("Do not use any knowledge outside the context below.\n\n")
	b.WriteString("Context:\n")
	for i, hit := range hits {
		fmt.Fprintf(&b, "[Source %d: %s, page %d]\n%s\n\n",
			i+1, hit.Payload.Title, hit.Payload.PageNumber, hit.Payload.Text)
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n\nAnswer:")
	return b.String()
}

// buildSources maps hits to the response attribution list, preserving
// the store's score-descending order.
func buildSources(hits []SearchHit) []Source {
	sources := make([]Source, len(hits))
	for i, hit := range hits {
		sources[i] = Source{
			ID:          hit.ID,
			DocumentID:  hit.Payload.DocumentID,
			Title:       hit.Payload.Title,
			PageNumber:  hit.Payload.PageNumber,
			Score:       hit.Score,
			TextPreview: preview(hit.Payload.Text),
		}
	}
	return sources
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewRunes {
		return text
	}
	return string(runes[:previewRunes]) + "..."
}
