package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/metrics"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. m may be nil to disable /metrics.
func NewServer(cfg domain.ServerConfig, deps Deps, m *metrics.Metrics, metricsPath, version string) *Server {
	handler := NewHandler(deps, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)             // CORS for browser clients
	router.Use(RecoverMiddleware)          // Recover from panics
	router.Use(TracingMiddleware)          // OpenTelemetry tracing
	router.Use(LoggingMiddleware)          // Request logging
	router.Use(m.Middleware(RoutePattern)) // Request metrics
	router.Use(middleware.RealIP)          // Extract real IP
	router.Use(middleware.Compress(5))     // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	if m != nil {
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		router.Method(http.MethodGet, metricsPath, m.Handler())
	}

	// API routes (tenant required)
	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Analysis
		r.Post("/analyze", handler.Analyze)

		// Report retrieval
		r.Get("/reports/{id}", handler.GetReport)
		r.Get("/consumers/{consumerID}/reports", handler.ListConsumerReports)

		// Rule catalog
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)

		// Waiver management
		r.Get("/waivers", handler.ListWaivers)
		r.Post("/waivers", handler.CreateWaiver)
		r.Delete("/waivers/{id}", handler.DeleteWaiver)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
