// Package api provides the HTTP server and routing.
package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/biocatchltd/heksher/internal/api/handlers"
	"github.com/biocatchltd/heksher/internal/api/types"
	"github.com/biocatchltd/heksher/internal/config"
	"github.com/biocatchltd/heksher/internal/health"
	"github.com/biocatchltd/heksher/internal/instance"
	"github.com/biocatchltd/heksher/internal/metrics"
	"github.com/biocatchltd/heksher/internal/registry"
)

// Server represents the HTTP server.
type Server struct {
	config   *config.Config
	registry *registry.Registry
	monitor  *health.Monitor
	router   chi.Router
	server   *http.Server
	logger   *slog.Logger
	metrics  *metrics.Metrics
	reloader *certReloader
}

// NewServer creates a new HTTP server. A nil registry puts the server in
// doc-only mode, where only documentation and health are served.
func NewServer(cfg *config.Config, reg *registry.Registry, logger *slog.Logger) *Server {
	s := &Server{
		config:   cfg,
		registry: reg,
		logger:   logger,
		metrics:  metrics.New(),
	}

	if reg != nil {
		s.monitor = health.New(health.CheckerFunc(func(ctx context.Context) bool {
			healthy := reg.IsHealthy(ctx)
			s.metrics.SetHealthy(healthy)
			return healthy
		}), health.DefaultInterval)
	}

	s.setupRouter()
	return s
}

// Metrics returns the metrics instance for recording custom metrics.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// setupRouter configures the HTTP router.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.metrics.Middleware)
	r.Use(middleware.Recoverer)
	requestTimeout := time.Duration(s.config.Server.RequestTimeout)
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	r.Use(middleware.Timeout(requestTimeout))

	// Create handlers
	h := handlers.NewWithConfig(s.registry, handlers.Config{
		Version: instance.Version,
		Monitor: s.monitor,
		Metrics: s.metrics,
	})

	// Health check
	r.Get("/api/health", h.Health)

	// Metrics endpoint
	if s.config.Metrics.Enabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			s.metrics.Handler().ServeHTTP(w, r)
		})
	}

	// API documentation
	r.Get("/redoc", handleRedoc)
	r.Get("/openapi.yaml", handleOpenAPISpec)

	// Doc-only deployments serve documentation and health with no backing
	// store; everything else reports that no data is available.
	if s.config.Server.DocOnly {
		r.NotFound(docOnlyFallback)
		s.router = r
		return
	}

	// Query
	r.Get("/api/v1/query", h.QueryRules)

	// Context features
	r.Get("/api/v1/context_features", h.ListContextFeatures)
	r.Post("/api/v1/context_features", h.AddContextFeature)
	r.Get("/api/v1/context_features/{name}", h.GetContextFeature)
	r.Delete("/api/v1/context_features/{name}", h.DeleteContextFeature)
	r.Patch("/api/v1/context_features/{name}/index", h.MoveContextFeature)

	// Rules
	r.Post("/api/v1/rules", h.AddRule)
	r.Post("/api/v1/rules/query", h.QueryRulesLegacy)
	r.Get("/api/v1/rules/search", h.SearchRule)
	r.Get("/api/v1/rules/{id}", h.GetRule)
	r.Delete("/api/v1/rules/{id}", h.DeleteRule)
	r.Patch("/api/v1/rules/{id}", h.PatchRule)
	r.Put("/api/v1/rules/{id}/value", h.UpdateRuleValue)

	// Rule metadata
	r.Get("/api/v1/rules/{id}/metadata", h.GetRuleMetadata)
	r.Post("/api/v1/rules/{id}/metadata", h.UpdateRuleMetadata)
	r.Put("/api/v1/rules/{id}/metadata", h.ReplaceRuleMetadata)
	r.Delete("/api/v1/rules/{id}/metadata", h.DeleteRuleMetadata)
	r.Put("/api/v1/rules/{id}/metadata/{key}", h.UpdateRuleMetadataKey)
	r.Delete("/api/v1/rules/{id}/metadata/{key}", h.DeleteRuleMetadataKey)

	// Settings
	r.Post("/api/v1/settings/declare", h.DeclareSetting)
	r.Get("/api/v1/settings", h.ListSettings)
	r.Get("/api/v1/settings/{name}", h.GetSetting)
	r.Delete("/api/v1/settings/{name}", h.DeleteSetting)
	r.Put("/api/v1/settings/{name}/name", h.RenameSetting)
	r.Put("/api/v1/settings/{name}/type", h.UpdateSettingType)
	r.Put("/api/v1/settings/{name}/configurable_features", h.UpdateSettingConfigurableFeatures)

	// Setting metadata
	r.Get("/api/v1/settings/{name}/metadata", h.GetSettingMetadata)
	r.Post("/api/v1/settings/{name}/metadata", h.UpdateSettingMetadata)
	r.Put("/api/v1/settings/{name}/metadata", h.ReplaceSettingMetadata)
	r.Delete("/api/v1/settings/{name}/metadata", h.DeleteSettingMetadata)
	r.Put("/api/v1/settings/{name}/metadata/{key}", h.UpdateSettingMetadataKey)
	r.Delete("/api/v1/settings/{name}/metadata/{key}", h.DeleteSettingMetadataKey)

	s.router = r
}

// docOnlyFallback answers data requests on a doc-only deployment.
func docOnlyFallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{
		ErrorCode: types.ErrorCodeDocOnly,
		Message:   "service is running in doc-only mode and serves no data",
	})
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote", r.RemoteAddr),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	if s.monitor != nil {
		s.monitor.Start()
	}

	addr := s.config.Address()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.Server.ReadTimeout),
		WriteTimeout: time.Duration(s.config.Server.WriteTimeout),
	}

	if s.config.Server.TLS.Enabled {
		reloader, err := newCertReloader(s.config.Server.TLS.CertFile, s.config.Server.TLS.KeyFile, s.logger)
		if err != nil {
			return fmt.Errorf("failed to load tls certificate: %w", err)
		}
		s.reloader = reloader
		s.server.TLSConfig = &tls.Config{GetCertificate: reloader.GetCertificate}
		s.logger.Info("starting server", slog.String("address", addr), slog.Bool("tls", true))
		return s.server.ListenAndServeTLS("", "")
	}

	s.logger.Info("starting server", slog.String("address", addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.monitor != nil {
		s.monitor.Stop()
	}
	if s.reloader != nil {
		s.reloader.Close()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the HTTP router for testing.
func (s *Server) Router() http.Handler {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Address returns the server address.
func (s *Server) Address() string {
	scheme := "http"
	if s.config.Server.TLS.Enabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, s.config.Address())
}
