package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/semqa/semqa/pkg/monitoring"
)

// IngestionConfig holds configuration for the ingestion orchestrator.
type IngestionConfig struct {
	Workers           int           `json:"workers"`
	QueueSize         int           `json:"queue_size"`
	ExtractionTimeout time.Duration `json:"extraction_timeout"`
	UpsertTimeout     time.Duration `json:"upsert_timeout"`

	// FailureTolerance is the dropped-chunk fraction above which a
	// document fails outright instead of being indexed partially.
	FailureTolerance float64 `json:"failure_tolerance"`
}

type ingestJob struct {
	documentID string
	uploadKey  string
	data       []byte
}

// IngestionService drives the extract -> chunk -> embed -> upsert
// pipeline for uploaded documents as background units of work. Upload
// acceptance only validates and enqueues; everything slow happens on the
// worker pool after the HTTP response is gone.
type IngestionService struct {
	config    *IngestionConfig
	extractor Extractor
	chunker   *ChunkingService
	embedder  *EmbeddingService
	store     VectorStore
	metrics   *monitoring.Metrics
	logger    *slog.Logger

	queue chan ingestJob
	wg    sync.WaitGroup

	mu        sync.RWMutex
	documents map[string]*Document
	inflight  map[string]string // upload key -> document id, queued or processing
	closed    bool
}

// NewIngestionService wires the pipeline components together. Call Start
// to launch the worker pool.
func NewIngestionService(
	config *IngestionConfig,
	extractor Extractor,
	chunker *ChunkingService,
	embedder *EmbeddingService,
	store VectorStore,
	metrics *monitoring.Metrics,
	logger *slog.Logger,
) *IngestionService {
	return &IngestionService{
		config:    config,
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		store:     store,
		metrics:   metrics,
		logger:    logger.With("component", "ingestion"),
		queue:     make(chan ingestJob, config.QueueSize),
		documents: make(map[string]*Document),
		inflight:  make(map[string]string),
	}
}

// Start launches the worker pool. Workers exit when Stop closes the
// queue; an in-flight document always runs to its terminal state.
func (is *IngestionService) Start() {
	for i := 0; i < is.config.Workers; i++ {
		is.wg.Add(1)
		go func() {
			defer is.wg.Done()
			for job := range is.queue {
				is.metrics.QueueDepth.Dec()
				is.process(job)
			}
		}()
	}
	is.logger.Info("Ingestion workers started", "workers", is.config.Workers)
}

// Stop closes the queue and waits for in-flight documents to finish.
func (is *IngestionService) Stop() {
	is.mu.Lock()
	if is.closed {
		is.mu.Unlock()
		return
	}
	is.closed = true
	is.mu.Unlock()

	close(is.queue)
	is.wg.Wait()
	is.logger.Info("Ingestion workers stopped")
}

// Enqueue accepts one uploaded file for background processing and
// returns the created Document in status queued. A file whose upload key
// (case-folded filename) is already queued or processing is rejected
// with ErrDuplicateUpload so two units can never interleave writes for
// the same document.
func (is *IngestionService) Enqueue(filename, author string, data []byte) (*Document, error) {
	key := strings.ToLower(strings.TrimSpace(filename))
	if key == "" {
		return nil, fmt.Errorf("filename must not be empty")
	}

	is.mu.Lock()
	defer is.mu.Unlock()

	if is.closed {
		return nil, ErrShuttingDown
	}
	if _, dup := is.inflight[key]; dup {
		return nil, ErrDuplicateUpload
	}

	doc := &Document{
		ID:         uuid.New().String(),
		Filename:   filename,
		Author:     author,
		UploadedAt: time.Now().UTC(),
		Status:     StatusQueued,
	}

	select {
	case is.queue <- ingestJob{documentID: doc.ID, uploadKey: key, data: data}:
	default:
		return nil, ErrQueueFull
	}

	is.documents[doc.ID] = doc
	is.inflight[key] = doc.ID
	is.metrics.QueueDepth.Inc()

	is.logger.Info("Document queued",
		"document_id", doc.ID,
		"filename", filename,
		"size", len(data),
	)
	return copyDocument(doc), nil
}

// Document returns the current state of one document.
func (is *IngestionService) Document(id string) (*Document, bool) {
	is.mu.RLock()
	defer is.mu.RUnlock()
	doc, ok := is.documents[id]
	if !ok {
		return nil, false
	}
	return copyDocument(doc), true
}

// Documents returns all known documents, newest first.
func (is *IngestionService) Documents() []*Document {
	is.mu.RLock()
	docs := make([]*Document, 0, len(is.documents))
	for _, doc := range is.documents {
		docs = append(docs, copyDocument(doc))
	}
	is.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].UploadedAt.Equal(docs[j].UploadedAt) {
			return docs[i].UploadedAt.After(docs[j].UploadedAt)
		}
		return docs[i].ID < docs[j].ID
	})
	return docs
}

// process runs one document through the pipeline to a terminal state.
// Steps run strictly in order; the first unrecoverable failure marks the
// document failed and stops the unit. There is no automatic retry - only
// a fresh upload retries.
func (is *IngestionService) process(job ingestJob) {
	started := time.Now()
	defer func() {
		is.metrics.IngestionDuration.Observe(time.Since(started).Seconds())
	}()

	doc := is.mustDocument(job.documentID)
	logger := is.logger.With("document_id", doc.ID, "filename", doc.Filename)
	is.setStatus(job, StatusProcessing, "")
	logger.Info("Ingestion started")

	// Step 1: extract per-page text.
	ctx, cancel := context.WithTimeout(context.Background(), is.config.ExtractionTimeout)
	pages, err := is.extractor.ExtractPages(ctx, job.data)
	cancel()
	if err != nil {
		logger.Error("Extraction failed", "error", err)
		is.fail(job, "unreadable or corrupt document")
		return
	}

	// Step 2: chunk page by page.
	chunks := is.chunker.ChunkDocument(doc, pages)
	if len(chunks) == 0 {
		logger.Warn("No chunks produced", "pages", len(pages))
		is.fail(job, "no extractable text")
		return
	}

	// Step 3: embed. A chunk whose embedding fails is dropped and
	// counted; the vector-with-text invariant means a dropped chunk is
	// simply never persisted.
	embedded, dropped := is.embedChunks(chunks, logger)
	if len(embedded) == 0 {
		is.fail(job, "embedding failure")
		return
	}
	if frac := float64(dropped) / float64(len(chunks)); frac > is.config.FailureTolerance {
		logger.Error("Dropped chunk fraction exceeds tolerance",
			"dropped", dropped,
			"total", len(chunks),
			"tolerance", is.config.FailureTolerance,
		)
		is.fail(job, fmt.Sprintf("embedding failure for %d of %d chunks", dropped, len(chunks)))
		return
	}

	// Step 4: one batched upsert for the whole document.
	records := make([]Record, len(embedded))
	for i, c := range embedded {
		records[i] = Record{
			ID:     c.ID,
			Vector: c.Vector,
			Payload: ChunkPayload{
				Text:       c.Text,
				DocumentID: c.DocumentID,
				Title:      c.Title,
				Author:     c.Author,
				PageNumber: c.PageNumber,
				ChunkIndex: c.ChunkIndex,
			},
		}
	}

	ctx, cancel = context.WithTimeout(context.Background(), is.config.UpsertTimeout)
	err = is.store.Upsert(ctx, records)
	cancel()
	if err != nil {
		logger.Error("Upsert failed", "error", err)
		is.fail(job, "storage write failure")
		return
	}

	note := ""
	if dropped > 0 {
		note = fmt.Sprintf("partial: %d of %d chunks dropped after embedding failures", dropped, len(chunks))
	}

	is.mu.Lock()
	doc = is.documents[job.documentID]
	doc.Status = StatusIndexed
	doc.PageCount = len(pages)
	doc.ChunkCount = len(embedded)
	doc.DroppedChunks = dropped
	doc.Note = note
	delete(is.inflight, job.uploadKey)
	is.mu.Unlock()

	is.metrics.DocumentsProcessed.WithLabelValues(string(StatusIndexed)).Inc()
	is.metrics.ChunksIndexed.Add(float64(len(embedded)))

	logger.Info("Ingestion completed",
		"pages", len(pages),
		"chunks_indexed", len(embedded),
		"chunks_dropped", dropped,
		"elapsed", time.Since(started),
	)
}

// embedChunks embeds all chunks, preferring one batched call. When the
// batch fails, each chunk is retried individually so one poisoned chunk
// does not take the document down with it.
func (is *IngestionService) embedChunks(chunks []*Chunk, logger *slog.Logger) (embedded []*Chunk, dropped int) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	ctx := context.Background()
	vectors, err := is.embedder.EmbedBatch(ctx, texts)
	if err == nil {
		is.metrics.EmbeddingCalls.WithLabelValues("success").Inc()
		for i, c := range chunks {
			c.Vector = vectors[i]
		}
		return chunks, 0
	}

	is.metrics.EmbeddingCalls.WithLabelValues("error").Inc()
	logger.Warn("Batch embedding failed, retrying per chunk", "error", err)

	for _, c := range chunks {
		vec, err := is.embedder.Embed(ctx, c.Text)
		if err != nil {
			dropped++
			is.metrics.ChunksDropped.Inc()
			logger.Warn("Chunk dropped after embedding failure",
				"chunk_index", c.ChunkIndex,
				"page", c.PageNumber,
				"error", err,
			)
			continue
		}
		c.Vector = vec
		embedded = append(embedded, c)
	}
	return embedded, dropped
}

func (is *IngestionService) mustDocument(id string) *Document {
	is.mu.RLock()
	defer is.mu.RUnlock()
	return copyDocument(is.documents[id])
}

func (is *IngestionService) setStatus(job ingestJob, status DocumentStatus, reason string) {
	is.mu.Lock()
	defer is.mu.Unlock()
	doc := is.documents[job.documentID]
	doc.Status = status
	doc.Error = reason
}

func (is *IngestionService) fail(job ingestJob, reason string) {
	is.mu.Lock()
	doc := is.documents[job.documentID]
	doc.Status = StatusFailed
	doc.Error = reason
	delete(is.inflight, job.uploadKey)
	is.mu.Unlock()

	is.metrics.DocumentsProcessed.WithLabelValues(string(StatusFailed)).Inc()
}

func copyDocument(doc *Document) *Document {
	if doc == nil {
		return nil
	}
	c := *doc
	return &c
}
