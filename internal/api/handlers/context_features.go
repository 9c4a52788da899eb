package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/biocatchltd/heksher/internal/api/types"
	"github.com/biocatchltd/heksher/internal/storage"
)

// ListContextFeatures handles GET /api/v1/context_features
func (h *Handler) ListContextFeatures(w http.ResponseWriter, r *http.Request) {
	features, err := h.registry.ListContextFeatures(r.Context())
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ContextFeaturesResponse{ContextFeatures: features})
}

// GetContextFeature handles GET /api/v1/context_features/{name}
func (h *Handler) GetContextFeature(w http.ResponseWriter, r *http.Request) {
	index, err := h.registry.GetContextFeatureIndex(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ContextFeatureIndexResponse{Index: index})
}

// AddContextFeature handles POST /api/v1/context_features
func (h *Handler) AddContextFeature(w http.ResponseWriter, r *http.Request) {
	var req types.AddContextFeatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "request body is not valid JSON")
		return
	}

	if _, err := h.registry.AddContextFeature(r.Context(), req.ContextFeature); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteContextFeature handles DELETE /api/v1/context_features/{name}
func (h *Handler) DeleteContextFeature(w http.ResponseWriter, r *http.Request) {
	err := h.registry.DeleteContextFeature(r.Context(), chi.URLParam(r, "name"))
	if errors.Is(err, storage.ErrContextFeatureInUse) {
		// historical plain text conflict body
		writeText(w, http.StatusConflict,
			"context feature can't be deleted, there is at least one setting configured by it")
		return
	}
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MoveContextFeature handles PATCH /api/v1/context_features/{name}/index
// The feature is removed from the order first, then reinserted before or
// after the target. Moving a feature relative to itself changes nothing.
func (h *Handler) MoveContextFeature(w http.ResponseWriter, r *http.Request) {
	var req types.MoveContextFeatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "request body is not valid JSON")
		return
	}
	if (req.ToBefore == "") == (req.ToAfter == "") {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation,
			"exactly one of to_before and to_after must be given")
		return
	}

	target, after := req.ToBefore, false
	if req.ToAfter != "" {
		target, after = req.ToAfter, true
	}
	if err := h.registry.MoveContextFeature(r.Context(), chi.URLParam(r, "name"), target, after); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
