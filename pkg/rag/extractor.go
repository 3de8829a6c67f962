package rag

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Extractor yields per-page text for an uploaded file.
type Extractor interface {
	ExtractPages(ctx context.Context, data []byte) ([]PageText, error)
}

// PDFExtractor extracts text from PDF files page by page.
type PDFExtractor struct {
	logger *slog.Logger
}

// NewPDFExtractor creates a PDF text extractor.
func NewPDFExtractor(logger *slog.Logger) *PDFExtractor {
	return &PDFExtractor{
		logger: logger.With("component", "pdf-extractor"),
	}
}

// ExtractPages parses the PDF and returns (page number, text) pairs in
// page order. Pages without extractable text are skipped; a page that
// fails text extraction is logged and skipped rather than failing the
// whole document. A file that cannot be parsed at all returns an
// ExtractionError.
func (e *PDFExtractor) ExtractPages(ctx context.Context, data []byte) ([]PageText, error) {
	if len(data) == 0 {
		return nil, &ExtractionError{Err: fmt.Errorf("empty file")}
	}

	reader, err := func() (r *pdf.Reader, err error) {
		// The pdf package panics on some malformed inputs.
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("malformed PDF: %v", rec)
			}
		}()
		return pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	}()
	if err != nil {
		return nil, &ExtractionError{Err: err}
	}

	pageCount := reader.NumPage()
	pages := make([]PageText, 0, pageCount)

	for i := 1; i <= pageCount; i++ {
		select {
		case <-ctx.Done():
			return nil, &ExtractionError{Err: ctx.Err()}
		default:
		}

		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := extractPageText(page)
		if err != nil {
			e.logger.Warn("Failed to extract text from page", "page", i, "error", err)
			continue
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		pages = append(pages, PageText{PageNumber: i, Text: text})
	}

	e.logger.Debug("PDF text extracted",
		"pages_total", pageCount,
		"pages_with_text", len(pages),
	)

	return pages, nil
}

func extractPageText(page pdf.Page) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("page extraction panic: %v", rec)
		}
	}()
	return page.GetPlainText(nil)
}
