// Package handlers provides HTTP request handlers.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/biocatchltd/heksher/internal/api/types"
	"github.com/biocatchltd/heksher/internal/health"
	"github.com/biocatchltd/heksher/internal/instance"
	"github.com/biocatchltd/heksher/internal/metrics"
	"github.com/biocatchltd/heksher/internal/registry"
	"github.com/biocatchltd/heksher/internal/storage"
)

// Handler provides HTTP handlers for the settings service.
type Handler struct {
	registry *registry.Registry
	monitor  *health.Monitor
	metrics  *metrics.Metrics
	version  string
}

// Config holds handler configuration.
type Config struct {
	Version string
	Monitor *health.Monitor
	Metrics *metrics.Metrics
}

// New creates a new Handler.
func New(reg *registry.Registry) *Handler {
	return &Handler{
		registry: reg,
		version:  instance.Version,
	}
}

// NewWithConfig creates a new Handler with configuration.
func NewWithConfig(reg *registry.Registry, cfg Config) *Handler {
	h := &Handler{
		registry: reg,
		monitor:  cfg.Monitor,
		metrics:  cfg.Metrics,
		version:  cfg.Version,
	}
	if h.version == "" {
		h.version = instance.Version
	}
	return h
}

// Health handles GET /api/health
// Reports the service version with status 200 while the storage backend is
// reachable and 500 once it is not. Without a registry (doc-only mode) the
// service is trivially healthy.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	healthy := true
	switch {
	case h.monitor != nil:
		healthy = h.monitor.Healthy()
	case h.registry != nil:
		healthy = h.registry.IsHealthy(r.Context())
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, types.HealthResponse{Version: h.version})
}

// recordDeclaration counts a declaration outcome when metrics are wired.
func (h *Handler) recordDeclaration(outcome string) {
	if h.metrics != nil {
		h.metrics.RecordDeclaration(outcome)
	}
}

func (h *Handler) recordRuleCreated() {
	if h.metrics != nil {
		h.metrics.RecordRuleCreated()
	}
}

func (h *Handler) recordQuery() {
	if h.metrics != nil {
		h.metrics.RecordQuery()
	}
}

// featureOrder returns the context feature names in hierarchy order.
func (h *Handler) featureOrder(r *http.Request) ([]string, error) {
	return h.registry.ListContextFeatures(r.Context())
}

// parseRuleID parses the rule id path parameter.
func parseRuleID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// orderedPairs lays out rule conditions as [feature, value] pairs in
// hierarchy order.
func orderedPairs(conditions map[string]string, order []string) [][2]string {
	pairs := make([][2]string, 0, len(conditions))
	for _, feature := range order {
		if value, ok := conditions[feature]; ok {
			pairs = append(pairs, [2]string{feature, value})
		}
	}
	return pairs
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{
		ErrorCode: code,
		Message:   message,
	})
}

// writeText writes a plain text response.
func writeText(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}

// writeRegistryError maps registry and storage failures to API responses:
// missing records to 404, state conflicts to 409, invalid requests to 422
// and everything else to 500. Multi-entry conflicts answer with a conflicts
// list instead of the single-message error body.
func writeRegistryError(w http.ResponseWriter, err error) {
	var validation *registry.ValidationError
	var unknownSettings *registry.UnknownSettingsError
	var unknownFeatures *registry.UnknownContextFeaturesError
	var conflict *registry.ConflictError

	switch {
	case errors.Is(err, storage.ErrSettingNotFound):
		writeError(w, http.StatusNotFound, types.ErrorCodeSettingNotFound, err.Error())
	case errors.Is(err, storage.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, types.ErrorCodeRuleNotFound, err.Error())
	case errors.Is(err, storage.ErrContextFeatureNotFound):
		writeError(w, http.StatusNotFound, types.ErrorCodeContextFeatureNotFound, err.Error())
	case errors.Is(err, storage.ErrRuleExists):
		writeError(w, http.StatusConflict, types.ErrorCodeRuleExists, err.Error())
	case errors.Is(err, storage.ErrContextFeatureExists):
		writeError(w, http.StatusConflict, types.ErrorCodeContextFeatureExists, err.Error())
	case errors.Is(err, storage.ErrContextFeatureInUse):
		writeError(w, http.StatusConflict, types.ErrorCodeContextFeatureInUse, err.Error())
	case errors.Is(err, storage.ErrNameTaken):
		writeError(w, http.StatusConflict, types.ErrorCodeNameTaken, err.Error())
	case errors.As(err, &unknownSettings):
		writeError(w, http.StatusNotFound, types.ErrorCodeSettingNotFound, err.Error())
	case errors.As(err, &unknownFeatures):
		writeError(w, http.StatusNotFound, types.ErrorCodeContextFeatureNotFound, err.Error())
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, types.ConflictResponse{Conflicts: conflict.Conflicts})
	case errors.As(err, &validation):
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, validation.Detail)
	default:
		writeError(w, http.StatusInternalServerError, types.ErrorCodeInternalServerError, err.Error())
	}
}
