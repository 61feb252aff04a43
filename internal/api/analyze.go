package api

import (
	"net/http"

	"github.com/Mustafabeshara/cloudbrowser/internal/analysis"
)

// analyzeRepository handles POST /analyze/repository.
func (h *Handler) analyzeRepository(w http.ResponseWriter, r *http.Request) {
	var req analysis.RepositoryRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	result, err := h.analysis.AnalyzeRepository(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, http.StatusOK, "analysis completed", result)
}

// analyzeCode handles POST /analyze/code.
func (h *Handler) analyzeCode(w http.ResponseWriter, r *http.Request) {
	var req analysis.CodeRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	result, err := h.analysis.AnalyzeCode(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, http.StatusOK, "analysis completed", result)
}
