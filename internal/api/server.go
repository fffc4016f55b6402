package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/fuelwatch/internal/domain"
	"github.com/opensource-finance/fuelwatch/internal/evaluation"
	"github.com/opensource-finance/fuelwatch/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, processor *evaluation.Processor, version string, mode domain.EvaluationMode) *Server {
	handler := NewHandler(repo, cache, bus, engine, processor, version, mode)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Fleet
	router.Post("/vehicles", handler.CreateVehicle)
	router.Get("/vehicles/{id}", handler.GetVehicle)
	router.Post("/drivers", handler.CreateDriver)
	router.Get("/drivers/{id}", handler.GetDriver)

	// Fuel prices
	router.Get("/fuel-prices", handler.GetFuelPrices)
	router.Put("/fuel-prices/{fuelType}", handler.SetFuelPrice)

	// Vouchers
	router.Route("/vouchers", func(r chi.Router) {
		r.Post("/", handler.CreateVoucher)
		r.Get("/{id}", handler.GetVoucher)
		r.Put("/{id}", handler.UpdateVoucher)
		r.Post("/{id}/evaluate", handler.EvaluateVoucher)
		r.Get("/{id}/anomalies", handler.ListVoucherAnomalies)
	})

	// Review queue
	router.Get("/anomalies", handler.ListAnomalies)
	router.Patch("/anomalies/{id}", handler.ReviewAnomaly)

	// Rule management
	router.Get("/rules", handler.ListRules)
	router.Get("/rules/{id}", handler.GetRule)
	router.Post("/rules", handler.CreateRule)
	router.Post("/rules/reload", handler.ReloadRules)

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
