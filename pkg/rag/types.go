package rag

import (
	"time"
)

// DocumentStatus tracks a document through its ingestion state machine.
// Transitions are queued -> processing -> indexed | failed; indexed and
// failed are terminal.
type DocumentStatus string

const (
	StatusQueued     DocumentStatus = "queued"
	StatusProcessing DocumentStatus = "processing"
	StatusIndexed    DocumentStatus = "indexed"
	StatusFailed     DocumentStatus = "failed"
)

// Document is the ingestion-side record for one uploaded file. It is
// created when the upload is accepted and mutated only by the ingestion
// orchestrator.
type Document struct {
	ID         string         `json:"id"`
	Filename   string         `json:"filename"`
	Author     string         `json:"author,omitempty"`
	UploadedAt time.Time      `json:"uploaded_at"`
	Status     DocumentStatus `json:"status"`
	Error      string         `json:"error,omitempty"`

	// Ingestion outcome counters, populated on completion.
	PageCount     int    `json:"page_count,omitempty"`
	ChunkCount    int    `json:"chunk_count,omitempty"`
	DroppedChunks int    `json:"dropped_chunks,omitempty"`
	Note          string `json:"note,omitempty"`
}

// PageText is one page of extracted text. Page numbers are 1-indexed.
type PageText struct {
	PageNumber int
	Text       string
}

// Chunk is a bounded span of one page's text, the unit of embedding and
// retrieval. Chunks are immutable once created; the embedding vector is
// attached before the chunk is ever persisted.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	PageNumber int       `json:"page_number"`
	ChunkIndex int       `json:"chunk_index"` // document-wide sequence index
	Text       string    `json:"text"`
	Title      string    `json:"title"`  // source filename, denormalized for display
	Author     string    `json:"author,omitempty"`
	Vector     []float32 `json:"-"`
}

// ChunkPayload is the metadata stored alongside a vector in the
// collection. It mirrors Chunk minus the vector.
type ChunkPayload struct {
	Text       string `json:"text"`
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	Author     string `json:"author,omitempty"`
	PageNumber int    `json:"page_number"`
	ChunkIndex int    `json:"chunk_index"`
}

// Record is one (id, vector, payload) row for the vector store.
type Record struct {
	ID      string
	Vector  []float32
	Payload ChunkPayload
}

// SearchHit pairs a stored chunk payload with its similarity score for
// one query. Hits are ephemeral; they are built per query and discarded
// with the response.
type SearchHit struct {
	ID      string
	Score   float64 // cosine certainty in [0,1], higher is better
	Payload ChunkPayload
}

// Source is the client-facing provenance entry for one retrieved chunk.
// TextPreview is bounded; the full chunk text never leaves the service
// through the query path.
type Source struct {
	ID          string  `json:"id"`
	DocumentID  string  `json:"document_id"`
	Title       string  `json:"title"`
	PageNumber  int     `json:"page_number"`
	Score       float64 `json:"score"`
	TextPreview string  `json:"text_preview"`
}

// Answer is the result of one retrieval-and-answer pass.
type Answer struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
}
