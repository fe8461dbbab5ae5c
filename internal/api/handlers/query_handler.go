package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	middleware "github.com/trestle-ai/trestle/internal/api/middlewares"
	"github.com/trestle-ai/trestle/internal/core"
	"github.com/trestle-ai/trestle/internal/core/retrieval"
	"github.com/trestle-ai/trestle/internal/models"
	"github.com/trestle-ai/trestle/internal/services"
)

type QueryHandler struct {
	docs   *services.DocumentService
	engine *retrieval.Engine
	llm    core.LLMProvider
}

func NewQueryHandler(docs *services.DocumentService, engine *retrieval.Engine, llm core.LLMProvider) *QueryHandler {
	return &QueryHandler{docs: docs, engine: engine, llm: llm}
}

type QueryRequest struct {
	DocumentID string `json:"document_id"`
	Query      string `json:"query"`
	TopK       int    `json:"top_k"`
}

type QueryResponse struct {
	Answer            string            `json:"answer"`
	Citations         []models.Citation `json:"citations"`
	NoRelevantContext bool              `json:"no_relevant_context"`
}

func (h *QueryHandler) QueryDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := middleware.UserID(ctx)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", 400)
		return
	}
	if req.Query == "" {
		http.Error(w, "empty query", 400)
		return
	}

	// A document-scoped query must belong to the caller.
	if req.DocumentID != "" {
		doc, err := h.docs.Get(ctx, req.DocumentID)
		if err != nil || doc == nil || doc.UserID != userID {
			http.Error(w, "document not found", http.StatusNotFound)
			return
		}
	}

	result, err := h.engine.Query(ctx, req.Query, req.TopK, req.DocumentID)
	if err != nil {
		http.Error(w, fmt.Sprintf("retrieval failed: %v", err), 500)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if result.NoRelevantContext {
		json.NewEncoder(w).Encode(QueryResponse{
			Answer:            "I couldn't find this information in the provided document sections.",
			NoRelevantContext: true,
		})
		return
	}

	system, user := retrieval.BuildPrompt(req.Query, result.Blocks)
	answer, err := h.llm.Generate(ctx, system, user)
	if err != nil {
		http.Error(w, fmt.Sprintf("LLM failed: %v", err), 500)
		return
	}

	citations := make([]models.Citation, 0, len(result.Blocks))
	for _, b := range result.Blocks {
		citations = append(citations, b.Citation)
	}

	json.NewEncoder(w).Encode(QueryResponse{
		Answer:    answer,
		Citations: citations,
	})
}
