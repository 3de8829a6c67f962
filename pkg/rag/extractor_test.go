package rag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPDFExtractor_RejectsEmptyFile(t *testing.T) {
	e := NewPDFExtractor(testLogger())

	_, err := e.ExtractPages(context.Background(), nil)
	require.Error(t, err)
	var exErr *ExtractionError
	assert.ErrorAs(t, err, &exErr)
}

func TestPDFExtractor_RejectsGarbage(t *testing.T) {
	e := NewPDFExtractor(testLogger())

	for _, data := range [][]byte{
		[]byte("this is not a pdf"),
		[]byte("%PDF-1.7 but truncated"),
		{0x00, 0x01, 0x02, 0x03},
	} {
		_, err := e.ExtractPages(context.Background(), data)
		require.Error(t, err, "input %q must be rejected", data)
		var exErr *ExtractionError
		assert.ErrorAs(t, err, &exErr)
	}
}
