package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/biocatchltd/heksher/internal/api/types"
	"github.com/biocatchltd/heksher/internal/registry"
	"github.com/biocatchltd/heksher/internal/storage"
)

// DeclareSetting handles POST /api/v1/settings/declare
// Accepted declarations (created, uptodate, upgraded, outdated) answer 200;
// rejected and mismatch answer 409. Both carry the outcome, the versions
// involved and the differences found.
func (h *Handler) DeclareSetting(w http.ResponseWriter, r *http.Request) {
	var req types.DeclareSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "request body is not valid JSON")
		return
	}

	result, err := h.registry.Declare(r.Context(), registry.DeclareInput{
		Name:                 req.Name,
		Type:                 req.Type,
		DefaultValue:         req.DefaultValue,
		ConfigurableFeatures: req.ConfigurableFeatures,
		Metadata:             req.Metadata,
		Alias:                req.Alias,
		Version:              req.Version,
	})
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	h.recordDeclaration(string(result.Outcome))
	status := http.StatusOK
	if !result.Outcome.Accepted() {
		status = http.StatusConflict
	}
	writeJSON(w, status, types.DeclareSettingResponse{
		Outcome:         string(result.Outcome),
		PreviousVersion: result.PreviousVersion,
		LatestVersion:   result.LatestVersion,
		Differences:     result.Differences,
	})
}

// GetSetting handles GET /api/v1/settings/{name}
func (h *Handler) GetSetting(w http.ResponseWriter, r *http.Request) {
	rec, err := h.registry.GetSetting(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settingResponse(rec))
}

// ListSettings handles GET /api/v1/settings
func (h *Handler) ListSettings(w http.ResponseWriter, r *http.Request) {
	includeData := false
	if raw := r.URL.Query().Get("include_additional_data"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation,
				"include_additional_data must be a boolean")
			return
		}
		includeData = v
	}

	records, err := h.registry.ListSettings(r.Context())
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	if includeData {
		settings := make([]types.SettingResponse, len(records))
		for i, rec := range records {
			settings[i] = settingResponse(rec)
		}
		writeJSON(w, http.StatusOK, types.SettingsListWithDataResponse{Settings: settings})
		return
	}
	settings := make([]types.SettingListItem, len(records))
	for i, rec := range records {
		settings[i] = types.SettingListItem{Name: rec.Name}
	}
	writeJSON(w, http.StatusOK, types.SettingsListResponse{Settings: settings})
}

// DeleteSetting handles DELETE /api/v1/settings/{name}
func (h *Handler) DeleteSetting(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.DeleteSetting(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RenameSetting handles PUT /api/v1/settings/{name}/name
// The old canonical name becomes an alias; renaming to one of the setting's
// own aliases promotes it back. The carried version must exceed the stored
// one unless the rename is a no-op.
func (h *Handler) RenameSetting(w http.ResponseWriter, r *http.Request) {
	var req types.RenameSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "request body is not valid JSON")
		return
	}

	if err := h.registry.RenameSetting(r.Context(), chi.URLParam(r, "name"), req.Name, req.Version); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateSettingType handles PUT /api/v1/settings/{name}/type
func (h *Handler) UpdateSettingType(w http.ResponseWriter, r *http.Request) {
	var req types.UpdateSettingTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "request body is not valid JSON")
		return
	}

	if err := h.registry.UpdateSettingType(r.Context(), chi.URLParam(r, "name"), req.Type, req.Version); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateSettingConfigurableFeatures handles PUT /api/v1/settings/{name}/configurable_features
func (h *Handler) UpdateSettingConfigurableFeatures(w http.ResponseWriter, r *http.Request) {
	var req types.UpdateConfigurableFeaturesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "request body is not valid JSON")
		return
	}

	err := h.registry.UpdateSettingConfigurableFeatures(r.Context(), chi.URLParam(r, "name"),
		req.ConfigurableFeatures, req.Version)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSettingMetadata handles GET /api/v1/settings/{name}/metadata
func (h *Handler) GetSettingMetadata(w http.ResponseWriter, r *http.Request) {
	metadata, err := h.registry.GetSettingMetadata(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.MetadataResponse{Metadata: metadata})
}

// UpdateSettingMetadata handles POST /api/v1/settings/{name}/metadata
// Merges the given keys into the setting's metadata.
func (h *Handler) UpdateSettingMetadata(w http.ResponseWriter, r *http.Request) {
	var req types.MetadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "request body is not valid JSON")
		return
	}

	if err := h.registry.UpdateSettingMetadata(r.Context(), chi.URLParam(r, "name"), req.Metadata); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReplaceSettingMetadata handles PUT /api/v1/settings/{name}/metadata
// Replaces the setting's metadata wholesale; an empty document clears it.
func (h *Handler) ReplaceSettingMetadata(w http.ResponseWriter, r *http.Request) {
	var req types.MetadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "request body is not valid JSON")
		return
	}

	if err := h.registry.ReplaceSettingMetadata(r.Context(), chi.URLParam(r, "name"), req.Metadata); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateSettingMetadataKey handles PUT /api/v1/settings/{name}/metadata/{key}
func (h *Handler) UpdateSettingMetadataKey(w http.ResponseWriter, r *http.Request) {
	var req types.MetadataKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "request body is not valid JSON")
		return
	}

	err := h.registry.UpdateSettingMetadataKey(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "key"), req.Value)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteSettingMetadata handles DELETE /api/v1/settings/{name}/metadata
func (h *Handler) DeleteSettingMetadata(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.DeleteSettingMetadata(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteSettingMetadataKey handles DELETE /api/v1/settings/{name}/metadata/{key}
func (h *Handler) DeleteSettingMetadataKey(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.DeleteSettingMetadataKey(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "key")); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// settingResponse converts a stored setting to its API form.
func settingResponse(rec *storage.SettingRecord) types.SettingResponse {
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	aliases := rec.Aliases
	if aliases == nil {
		aliases = []string{}
	}
	return types.SettingResponse{
		Name:                 rec.Name,
		ConfigurableFeatures: rec.ConfigurableFeatures,
		Type:                 rec.Type,
		DefaultValue:         rec.DefaultValue,
		Metadata:             metadata,
		Aliases:              aliases,
		Version:              fmt.Sprintf("%d.%d", rec.VersionMajor, rec.VersionMinor),
	}
}
