package rag

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ChunkingService splits extracted page text into overlapping windows.
// Splitting is strictly page-local: text is never merged across a page
// boundary, so every chunk has an unambiguous page attribution.
type ChunkingService struct {
	config *ChunkingConfig
	logger *slog.Logger
}

// ChunkingConfig holds chunking parameters. Sizes are measured in runes.
type ChunkingConfig struct {
	ChunkSize    int `json:"chunk_size"`    // target/maximum chunk size
	ChunkOverlap int `json:"chunk_overlap"` // shared region between consecutive chunks
}

// separators, largest to smallest. The window end snaps back to the
// latest occurrence of the highest-priority separator available; when no
// separator falls inside the window, the text is hard-cut at the size
// limit.
var separators = []string{"\n\n", "\n", ". ", " "}

// NewChunkingService creates a chunking service. An overlap that is not
// smaller than the chunk size can never make progress and is rejected.
func NewChunkingService(config *ChunkingConfig, logger *slog.Logger) (*ChunkingService, error) {
	if config == nil {
		return nil, fmt.Errorf("chunking config cannot be nil")
	}
	if config.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", config.ChunkSize)
	}
	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		return nil, fmt.Errorf("chunk overlap must be in [0, chunk size), got overlap=%d size=%d",
			config.ChunkOverlap, config.ChunkSize)
	}

	return &ChunkingService{
		config: config,
		logger: logger.With("component", "chunking-service"),
	}, nil
}

// ChunkDocument produces the ordered chunk sequence for one document:
// pages ascending, in-page position ascending, with a document-wide
// chunk index. Chunk ids are derived deterministically from the document
// id and chunk index, so re-ingesting the same document id overwrites
// rather than duplicates.
func (cs *ChunkingService) ChunkDocument(doc *Document, pages []PageText) []*Chunk {
	var chunks []*Chunk
	index := 0

	for _, page := range pages {
		text := strings.TrimSpace(page.Text)
		if text == "" {
			continue
		}

		for _, piece := range cs.splitPage(text) {
			chunks = append(chunks, &Chunk{
				ID:         chunkID(doc.ID, index),
				DocumentID: doc.ID,
				PageNumber: page.PageNumber,
				ChunkIndex: index,
				Text:       piece,
				Title:      doc.Filename,
				Author:     doc.Author,
			})
			index++
		}
	}

	cs.logger.Debug("Document chunked",
		"document_id", doc.ID,
		"pages", len(pages),
		"chunks", len(chunks),
	)

	return chunks
}

// splitPage slides a window of ChunkSize runes across the page text.
// Each step advances by (window end - overlap), so consecutive chunks of
// the same page share exactly ChunkOverlap runes; the final chunk may be
// shorter. The window end prefers the latest separator boundary in the
// back half of the window over a hard cut.
func (cs *ChunkingService) splitPage(text string) []string {
	runes := []rune(text)
	size := cs.config.ChunkSize
	overlap := cs.config.ChunkOverlap

	if len(runes) <= size {
		return []string{text}
	}

	var pieces []string
	start := 0
	for {
		end := start + size
		if end >= len(runes) {
			pieces = append(pieces, string(runes[start:]))
			break
		}
		end = cs.snapToBoundary(runes, start, end)
		pieces = append(pieces, string(runes[start:end]))
		start = end - overlap
	}
	return pieces
}

// snapToBoundary moves the window end back to just after the latest
// occurrence of the highest-priority separator in the back half of the
// window. The end never moves past start+overlap, which would stall the
// window.
func (cs *ChunkingService) snapToBoundary(runes []rune, start, end int) int {
	lo := start + cs.config.ChunkOverlap + 1
	if half := start + cs.config.ChunkSize/2; half > lo {
		lo = half
	}
	if lo >= end {
		return end
	}

	region := string(runes[lo:end])
	for _, sep := range separators {
		idx := strings.LastIndex(region, sep)
		if idx < 0 {
			continue
		}
		// idx is a byte offset into region; convert the prefix through
		// the separator back to a rune count.
		return lo + utf8.RuneCountInString(region[:idx+len(sep)])
	}
	return end
}

// chunkID derives a stable UUID for a chunk from its owning document id
// and document-wide index.
func chunkID(documentID string, index int) string {
	ns, err := uuid.Parse(documentID)
	if err != nil {
		ns = uuid.NewSHA1(uuid.NameSpaceOID, []byte(documentID))
	}
	return uuid.NewSHA1(ns, []byte(fmt.Sprintf("chunk-%d", index))).String()
}
