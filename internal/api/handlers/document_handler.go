package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	middleware "github.com/trestle-ai/trestle/internal/api/middlewares"
	"github.com/trestle-ai/trestle/internal/core"
	"github.com/trestle-ai/trestle/internal/core/ingest"
	"github.com/trestle-ai/trestle/internal/services"
)

type DocumentHandler struct {
	docs     *services.DocumentService
	pipeline *ingest.Pipeline
}

func NewDocumentHandler(docs *services.DocumentService, pipeline *ingest.Pipeline) *DocumentHandler {
	return &DocumentHandler{docs: docs, pipeline: pipeline}
}

// UploadDocument stores the file, records it, and enqueues ingestion.
func (h *DocumentHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	r.ParseMultipartForm(52 << 20)

	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "invalid file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read file", http.StatusBadRequest)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	// Sanitize filename to prevent path traversal or invalid characters
	cleanFilename := filepath.Base(header.Filename)

	doc, err := h.docs.UploadAndCreate(r.Context(), userID, cleanFilename, contentType, data, "upload")
	if err != nil {
		http.Error(w, fmt.Sprintf("upload failed: %v", err), http.StatusInternalServerError)
		return
	}

	// The upload already holds the bytes; spill them to a temp file so the
	// pipeline can extract pages without re-downloading from S3.
	src, err := spillToTemp(data, cleanFilename, contentType)
	if err != nil {
		log.Printf("materialize doc %s: %v", doc.ID, err)
		http.Error(w, "failed to stage document", http.StatusInternalServerError)
		return
	}
	h.pipeline.Enqueue(ingest.Job{DocumentID: doc.ID, Source: src, CleanupSource: true})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	documents, err := h.docs.ListByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(documents)
}

// GetDocumentStatus reports a document's ingestion checkpoint: status, pages
// processed, and any failed pages or chunks.
func (h *DocumentHandler) GetDocumentStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	docID := chi.URLParam(r, "id")
	doc, err := h.docs.Get(r.Context(), docID)
	if err != nil || doc == nil || doc.UserID != userID {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}

	cp, err := h.pipeline.Status(r.Context(), docID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if cp == nil {
		json.NewEncoder(w).Encode(map[string]string{"document_id": docID, "status": "not_started"})
		return
	}
	json.NewEncoder(w).Encode(cp)
}

// ReingestDocument reopens a finished document and runs ingestion again,
// reusing stored pages where extraction already succeeded.
func (h *DocumentHandler) ReingestDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	docID := chi.URLParam(r, "id")
	doc, err := h.docs.Get(r.Context(), docID)
	if err != nil || doc == nil || doc.UserID != userID {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}

	src, err := h.docs.Materialize(r.Context(), doc)
	if err != nil {
		http.Error(w, fmt.Sprintf("stage document: %v", err), http.StatusInternalServerError)
		return
	}

	if err := h.pipeline.Reopen(r.Context(), docID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	h.pipeline.Enqueue(ingest.Job{DocumentID: docID, Source: src, CleanupSource: true})

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"document_id": docID, "status": "in_progress"})
}

func spillToTemp(data []byte, filename, contentType string) (core.DocumentSource, error) {
	f, err := os.CreateTemp("", "trestle-upload-*"+filepath.Ext(filename))
	if err != nil {
		return core.DocumentSource{}, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return core.DocumentSource{}, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return core.DocumentSource{}, err
	}
	return core.DocumentSource{Path: f.Name(), ContentType: contentType}, nil
}
