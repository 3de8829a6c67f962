package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/semqa/semqa/pkg/monitoring"
	"github.com/semqa/semqa/pkg/rag"
)

const defaultMaxUploadBytes = 32 << 20

// Handlers exposes the HTTP surface of the service.
type Handlers struct {
	ingestion     *rag.IngestionService
	retrieval     *rag.RetrievalService
	store         rag.VectorStore
	metrics       *monitoring.Metrics
	maxUploadSize int64
	logger        *slog.Logger
}

// New builds the handler set. maxUploadSize bounds one upload request
// across all of its files; zero applies the default.
func New(
	ingestion *rag.IngestionService,
	retrieval *rag.RetrievalService,
	store rag.VectorStore,
	metrics *monitoring.Metrics,
	maxUploadSize int64,
	logger *slog.Logger,
) *Handlers {
	if maxUploadSize <= 0 {
		maxUploadSize = defaultMaxUploadBytes
	}
	return &Handlers{
		ingestion:     ingestion,
		retrieval:     retrieval,
		store:         store,
		metrics:       metrics,
		maxUploadSize: maxUploadSize,
		logger:        logger.With("component", "handlers"),
	}
}

// Register attaches all routes to the router.
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/upload", h.Upload).Methods(http.MethodPost)
	r.HandleFunc("/query", h.Query).Methods(http.MethodPost)
	r.HandleFunc("/documents", h.ListDocuments).Methods(http.MethodGet)
	r.HandleFunc("/documents/{id}", h.GetDocument).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.Readyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

type rejectedFile struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

type uploadResponse struct {
	Message  string         `json:"message"`
	Accepted []string       `json:"accepted"`
	Rejected []rejectedFile `json:"rejected"`
}

// Upload accepts one or more PDF files as multipart form data, enqueues
// each for background ingestion and replies 202 immediately. Document ids
// are assigned during background processing and read back through the
// documents endpoints. Files the service cannot accept are reported per
// file; one bad file never blocks its siblings.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		h.writeError(w, http.StatusBadRequest, "expected multipart form data with a 'files' field")
		return
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		h.writeError(w, http.StatusBadRequest, "no files provided")
		return
	}
	author := r.FormValue("author")

	resp := uploadResponse{Accepted: []string{}, Rejected: []rejectedFile{}}
	for _, fh := range files {
		if !isPDF(fh) {
			resp.Rejected = append(resp.Rejected, rejectedFile{
				Filename: fh.Filename,
				Reason:   "only PDF files are supported",
			})
			continue
		}

		f, err := fh.Open()
		if err != nil {
			resp.Rejected = append(resp.Rejected, rejectedFile{Filename: fh.Filename, Reason: "unreadable upload"})
			continue
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil || len(data) == 0 {
			resp.Rejected = append(resp.Rejected, rejectedFile{Filename: fh.Filename, Reason: "empty or unreadable upload"})
			continue
		}

		if _, err := h.ingestion.Enqueue(fh.Filename, author, data); err != nil {
			if errors.Is(err, rag.ErrShuttingDown) {
				h.writeError(w, http.StatusServiceUnavailable, "service is shutting down")
				return
			}
			resp.Rejected = append(resp.Rejected, rejectedFile{Filename: fh.Filename, Reason: rejectReason(err)})
			continue
		}
		resp.Accepted = append(resp.Accepted, fh.Filename)
	}

	resp.Message = fmt.Sprintf("%d file(s) accepted for processing", len(resp.Accepted))
	h.logger.Info("Upload handled",
		"accepted", len(resp.Accepted),
		"rejected", len(resp.Rejected),
	)
	h.writeJSON(w, http.StatusAccepted, resp)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, rag.ErrDuplicateUpload):
		return "a document with this filename is already being processed"
	case errors.Is(err, rag.ErrQueueFull):
		return "ingestion queue is full, retry later"
	default:
		return err.Error()
	}
}

// isPDF accepts a part whose declared content type is PDF. Browsers and
// generic clients send application/octet-stream for anything, so that
// falls back to the filename extension; any other declared type is
// rejected even with a .pdf name.
func isPDF(fh *multipart.FileHeader) bool {
	contentType, _, err := mime.ParseMediaType(fh.Header.Get("Content-Type"))
	if err != nil || contentType == "" || contentType == "application/octet-stream" {
		return strings.EqualFold(filepath.Ext(fh.Filename), ".pdf")
	}
	return contentType == "application/pdf"
}

type queryRequest struct {
	Query          string  `json:"query"`
	TopKRetrieval  int     `json:"top_k_retrieval"`
	ScoreThreshold float64 `json:"score_threshold"`
}

// Query answers a question over the indexed corpus.
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	answer, err := h.retrieval.Answer(r.Context(), req.Query, req.TopKRetrieval, req.ScoreThreshold)
	if err != nil {
		if errors.Is(err, rag.ErrEmptyQuery) {
			h.writeError(w, http.StatusBadRequest, "query must not be empty")
			return
		}
		h.logger.Error("Query failed", "error", err)
		h.writeError(w, http.StatusBadGateway, "failed to answer the question, try again later")
		return
	}

	h.writeJSON(w, http.StatusOK, answer)
}

// ListDocuments returns every known document and its ingestion status.
func (h *Handlers) ListDocuments(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents": h.ingestion.Documents(),
	})
}

// GetDocument returns one document's ingestion status.
func (h *Handlers) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	doc, ok := h.ingestion.Document(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "document not found")
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

// Healthz reports process liveness.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Readyz reports readiness, gated on the vector store.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.store.Ready(ctx); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": err.Error(),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
