package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semqa/semqa/pkg/llm"
	"github.com/semqa/semqa/pkg/monitoring"
	"github.com/semqa/semqa/pkg/rag"
)

const testDims = 8

type fakeExtractor struct{}

func (fakeExtractor) ExtractPages(_ context.Context, _ []byte) ([]rag.PageText, error) {
	return []rag.PageText{{PageNumber: 1, Text: "extracted page content"}}, nil
}

type fixture struct {
	router    *mux.Router
	ingestion *rag.IngestionService
	store     *rag.MemoryStore
	generator *llm.MockGenerator
}

func newFixture(t *testing.T) *fixture {
	f := buildFixture(t)
	f.ingestion.Start()
	return f
}

// newIdleFixture leaves the worker pool stopped so queued uploads stay
// in flight for the duration of the test.
func newIdleFixture(t *testing.T) *fixture {
	return buildFixture(t)
}

func buildFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.Default()
	metrics := monitoring.New()

	embedder, err := rag.NewEmbeddingService(&rag.EmbeddingConfig{
		Provider:   "mock",
		Dimensions: testDims,
	}, nil, logger)
	require.NoError(t, err)

	chunker, err := rag.NewChunkingService(&rag.ChunkingConfig{ChunkSize: 700, ChunkOverlap: 100}, logger)
	require.NoError(t, err)

	store := rag.NewMemoryStore(testDims)
	ingestion := rag.NewIngestionService(&rag.IngestionConfig{
		Workers:           1,
		QueueSize:         8,
		ExtractionTimeout: time.Second,
		UpsertTimeout:     time.Second,
		FailureTolerance:  0.5,
	}, fakeExtractor{}, chunker, embedder, store, metrics, logger)
	t.Cleanup(ingestion.Stop)

	generator := &llm.MockGenerator{Response: "a grounded answer"}
	retrieval := rag.NewRetrievalService(&rag.RetrievalConfig{TopK: 5, ScoreThreshold: 0},
		embedder, store, generator, metrics, logger)

	router := mux.NewRouter()
	New(ingestion, retrieval, store, metrics, 0, logger).Register(router)

	return &fixture{router: router, ingestion: ingestion, store: store, generator: generator}
}

func multipartUpload(t *testing.T, filenames ...string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, name := range filenames {
		part, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte("%PDF-1.4 payload for " + name))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestUpload_AcceptsPDFAndReturns202(t *testing.T) {
	f := newFixture(t)

	body, contentType := multipartUpload(t, "report.pdf")
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Accepted, 1)
	assert.Empty(t, resp.Rejected)
	assert.Equal(t, "report.pdf", resp.Accepted[0])
	assert.Contains(t, resp.Message, "1 file(s) accepted")

	// The document id is assigned in the background; the documents
	// listing exposes it once the upload lands in the index.
	require.Eventually(t, func() bool {
		docs := f.ingestion.Documents()
		return len(docs) == 1 && docs[0].Status == rag.StatusIndexed
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.store.Len())
}

func TestUpload_RejectsNonPDFPerFile(t *testing.T) {
	f := newFixture(t)

	body, contentType := multipartUpload(t, "notes.txt", "slides.pdf")
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Accepted, 1)
	require.Len(t, resp.Rejected, 1)
	assert.Equal(t, "slides.pdf", resp.Accepted[0])
	assert.Equal(t, "notes.txt", resp.Rejected[0].Filename)
	assert.Contains(t, resp.Rejected[0].Reason, "PDF")
}

func TestUpload_RejectsMislabeledContentType(t *testing.T) {
	f := newFixture(t)

	// The part declares text/plain even though the filename says .pdf.
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="files"; filename="masquerade.pdf"`)
	header.Set("Content-Type", "text/plain")
	part, err := w.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte("just plain text"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Empty(t, resp.Accepted)
	require.Len(t, resp.Rejected, 1)
	assert.Equal(t, "masquerade.pdf", resp.Rejected[0].Filename)
	assert.Contains(t, resp.Rejected[0].Reason, "PDF")
}

func TestUpload_DuringShutdownReturns503(t *testing.T) {
	f := newIdleFixture(t)
	f.ingestion.Stop()

	body, contentType := multipartUpload(t, "late.pdf")
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "shutting down")
}

func TestUpload_DuplicateInFlightReported(t *testing.T) {
	f := newIdleFixture(t)

	body, contentType := multipartUpload(t, "dup.pdf", "dup.pdf")
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Len(t, resp.Accepted, 1)
	require.Len(t, resp.Rejected, 1)
	assert.Contains(t, resp.Rejected[0].Reason, "already being processed")
}

func TestUpload_NoFilesIs400(t *testing.T) {
	f := newFixture(t)

	body, contentType := multipartUpload(t)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUpload_NotMultipartIs400(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(`{"not": "multipart"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func queryJSON(t *testing.T, f *fixture, payload string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func TestQuery_EmptyQuestionIs400(t *testing.T) {
	f := newFixture(t)

	for _, payload := range []string{`{}`, `{"query": "   "}`} {
		rr := queryJSON(t, f, payload)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	}
}

func TestQuery_InvalidJSONIs400(t *testing.T) {
	f := newFixture(t)
	rr := queryJSON(t, f, `{"query": `)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestQuery_NoResultsIsStill200(t *testing.T) {
	f := newFixture(t)

	rr := queryJSON(t, f, `{"query": "anything at all"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var answer rag.Answer
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &answer))
	assert.Equal(t, rag.NoAnswerText, answer.Answer)
	assert.Empty(t, answer.Sources)
}

func TestQuery_AnswersFromIndexedDocument(t *testing.T) {
	f := newFixture(t)

	body, contentType := multipartUpload(t, "kb.pdf")
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)

	require.Eventually(t, func() bool {
		return f.store.Len() > 0
	}, 5*time.Second, 10*time.Millisecond)

	rr = queryJSON(t, f, `{"query": "extracted page content"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var answer rag.Answer
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &answer))
	assert.Equal(t, "a grounded answer", answer.Answer)
	require.NotEmpty(t, answer.Sources)
	assert.Equal(t, "kb.pdf", answer.Sources[0].Title)
	assert.Equal(t, 1, answer.Sources[0].PageNumber)
}

func TestQuery_GeneratorFailureIs502(t *testing.T) {
	f := newFixture(t)
	f.generator.Err = assert.AnError

	body, contentType := multipartUpload(t, "kb.pdf")
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	require.Eventually(t, func() bool { return f.store.Len() > 0 }, 5*time.Second, 10*time.Millisecond)

	rr = queryJSON(t, f, `{"query": "extracted page content"}`)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestDocuments_ListAndGet(t *testing.T) {
	f := newFixture(t)

	body, contentType := multipartUpload(t, "a.pdf")
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var up uploadResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &up))
	require.Len(t, up.Accepted, 1)

	docs := f.ingestion.Documents()
	require.Len(t, docs, 1)
	docID := docs[0].ID

	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/documents", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Documents []rag.Document `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Documents, 1)
	assert.Equal(t, docID, list.Documents[0].ID)

	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/documents/"+docID, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var doc rag.Document
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	assert.Equal(t, "a.pdf", doc.Filename)

	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/documents/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t)

	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "semqa")
}
