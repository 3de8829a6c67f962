package rag

import (
	"errors"
	"fmt"
)

// Component failures are typed so the orchestrators can classify them at
// the boundary. Nothing below the orchestrators decides client-visible
// behavior.

// ErrEmptyQuery is returned for blank or whitespace-only queries before
// any embedding call is made.
var ErrEmptyQuery = errors.New("query must not be empty")

// ErrEmptyInput is returned when an empty string reaches the embedding
// client. The chunker never emits empty chunks, so this indicates a
// caller bug rather than a provider failure.
var ErrEmptyInput = errors.New("cannot embed empty text")

// ErrDuplicateUpload is returned when a document with the same upload key
// is already queued or processing.
var ErrDuplicateUpload = errors.New("document is already being processed")

// ErrQueueFull is returned when the ingestion queue cannot accept more
// work.
var ErrQueueFull = errors.New("ingestion queue is full")

// ErrShuttingDown is returned for uploads arriving after the ingestion
// service stopped accepting work.
var ErrShuttingDown = errors.New("service is shutting down")

// ExtractionError reports an unreadable or corrupt source file.
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("text extraction failed: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// EmbeddingError reports a failed embedding provider call. A failure is
// never defaulted to a zero vector; a zero vector would silently corrupt
// similarity rankings.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding failed: %v", e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// VectorStoreError reports an unavailable or erroring vector store. It is
// distinct from a zero-hit search result, which is a success.
type VectorStoreError struct {
	Op  string // "upsert" or "search"
	Err error
}

func (e *VectorStoreError) Error() string {
	return fmt.Sprintf("vector store %s failed: %v", e.Op, e.Err)
}

func (e *VectorStoreError) Unwrap() error { return e.Err }

// GenerationError reports a failed generative provider call (timeout,
// quota, malformed response, open circuit breaker).
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("answer generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// RetrievalError is the orchestrator-level classification for any
// dependency failure on the query path. Callers can distinguish it from
// the "no relevant documents" outcome, which is returned as a normal
// Answer.
type RetrievalError struct {
	Stage string // "embed", "search", "generate"
	Err   error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval failed at %s stage: %v", e.Stage, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }
