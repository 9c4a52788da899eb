package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/biocatchltd/heksher/internal/api/types"
	"github.com/biocatchltd/heksher/internal/registry"
)

// AddRule handles POST /api/v1/rules
func (h *Handler) AddRule(w http.ResponseWriter, r *http.Request) {
	var req types.AddRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "request body is not valid JSON")
		return
	}

	id, err := h.registry.AddRule(r.Context(), registry.AddRuleInput{
		Setting:       req.Setting,
		FeatureValues: req.FeatureValues,
		Value:         req.Value,
		Metadata:      req.Metadata,
	})
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	h.recordRuleCreated()
	writeJSON(w, http.StatusCreated, types.RuleIDResponse{RuleID: id})
}

// GetRule handles GET /api/v1/rules/{id}
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, err := parseRuleID(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "invalid rule id")
		return
	}

	rule, err := h.registry.GetRule(r.Context(), id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	order, err := h.featureOrder(r)
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	metadata := rule.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	writeJSON(w, http.StatusOK, types.RuleResponse{
		Setting:       rule.Setting,
		Value:         rule.Value,
		FeatureValues: orderedPairs(rule.Conditions, order),
		Metadata:      metadata,
	})
}

// DeleteRule handles DELETE /api/v1/rules/{id}
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := parseRuleID(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "invalid rule id")
		return
	}

	if err := h.registry.DeleteRule(r.Context(), id); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SearchRule handles GET /api/v1/rules/search
// Finds the rule of a setting with exactly the given conditions, passed as
// feature_values=f1:v1,f2:v2.
func (h *Handler) SearchRule(w http.ResponseWriter, r *http.Request) {
	setting := r.URL.Query().Get("setting")
	if setting == "" {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation,
			"setting query parameter is required")
		return
	}
	conditions, err := parseFeatureValues(r.URL.Query().Get("feature_values"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, err.Error())
		return
	}

	rule, err := h.registry.SearchRule(r.Context(), setting, conditions)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.RuleIDResponse{RuleID: rule.ID})
}

// UpdateRuleValue handles PUT /api/v1/rules/{id}/value
func (h *Handler) UpdateRuleValue(w http.ResponseWriter, r *http.Request) {
	id, err := parseRuleID(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "invalid rule id")
		return
	}
	var req types.UpdateRuleValueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "request body is not valid JSON")
		return
	}

	if err := h.registry.UpdateRuleValue(r.Context(), id, req.Value); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PatchRule handles PATCH /api/v1/rules/{id}
// Kept for old clients; PUT /api/v1/rules/{id}/value is the canonical form.
func (h *Handler) PatchRule(w http.ResponseWriter, r *http.Request) {
	h.UpdateRuleValue(w, r)
}

// GetRuleMetadata handles GET /api/v1/rules/{id}/metadata
func (h *Handler) GetRuleMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := parseRuleID(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "invalid rule id")
		return
	}

	metadata, err := h.registry.GetRuleMetadata(r.Context(), id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.MetadataResponse{Metadata: metadata})
}

// UpdateRuleMetadata handles POST /api/v1/rules/{id}/metadata
// Merges the given keys into the rule's metadata.
func (h *Handler) UpdateRuleMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := parseRuleID(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "invalid rule id")
		return
	}
	var req types.MetadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "request body is not valid JSON")
		return
	}

	if err := h.registry.UpdateRuleMetadata(r.Context(), id, req.Metadata); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReplaceRuleMetadata handles PUT /api/v1/rules/{id}/metadata
// Replaces the rule's metadata wholesale; an empty document clears it.
func (h *Handler) ReplaceRuleMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := parseRuleID(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "invalid rule id")
		return
	}
	var req types.MetadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "request body is not valid JSON")
		return
	}

	if err := h.registry.ReplaceRuleMetadata(r.Context(), id, req.Metadata); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateRuleMetadataKey handles PUT /api/v1/rules/{id}/metadata/{key}
func (h *Handler) UpdateRuleMetadataKey(w http.ResponseWriter, r *http.Request) {
	id, err := parseRuleID(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "invalid rule id")
		return
	}
	var req types.MetadataKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "request body is not valid JSON")
		return
	}

	if err := h.registry.UpdateRuleMetadataKey(r.Context(), id, chi.URLParam(r, "key"), req.Value); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteRuleMetadata handles DELETE /api/v1/rules/{id}/metadata
func (h *Handler) DeleteRuleMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := parseRuleID(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "invalid rule id")
		return
	}

	if err := h.registry.DeleteRuleMetadata(r.Context(), id); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteRuleMetadataKey handles DELETE /api/v1/rules/{id}/metadata/{key}
func (h *Handler) DeleteRuleMetadataKey(w http.ResponseWriter, r *http.Request) {
	id, err := parseRuleID(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "invalid rule id")
		return
	}

	if err := h.registry.DeleteRuleMetadataKey(r.Context(), id, chi.URLParam(r, "key")); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseFeatureValues parses a comma-separated f:v list into a condition map.
func parseFeatureValues(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, fmt.Errorf("feature_values must not be empty")
	}
	conditions := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		feature, value, ok := strings.Cut(part, ":")
		if !ok || feature == "" || value == "" {
			return nil, fmt.Errorf("invalid feature_values entry %q", part)
		}
		if _, dup := conditions[feature]; dup {
			return nil, fmt.Errorf("feature %s repeated in feature_values", feature)
		}
		conditions[feature] = value
	}
	return conditions, nil
}
