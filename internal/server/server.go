// Package server provides the HTTP gateway: the request/response API
// surface and the WebSocket push layer bridging bus topics to external
// subscribers.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aristath/quantflow/internal/bus"
	"github.com/aristath/quantflow/internal/config"
	"github.com/aristath/quantflow/internal/market"
	"github.com/aristath/quantflow/internal/storage"
	"github.com/aristath/quantflow/internal/tasks"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// Config holds the server dependencies.
type Config struct {
	Port       int
	Log        zerolog.Logger
	Bus        *bus.Bus
	Bars       *storage.BarRepository
	Indicators *storage.IndicatorRepository
	Signals    *storage.SignalRepository
	Backtests  *storage.BacktestRepository
	Tasks      *tasks.Manager
	Keys       []market.Key
	Backtest   BacktestRunner
}

// Server is the HTTP gateway.
type Server struct {
	cfg    Config
	log    zerolog.Logger
	router chi.Router
	http   *http.Server
}

// New creates the server and mounts all routes.
func New(cfg Config) *Server {
	s := &Server{
		cfg: cfg,
		log: cfg.Log.With().Str("component", "server").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/system/stats", s.handleSystemStats)

		r.Get("/bars/{symbol}/{timeframe}", s.handleBars)
		r.Get("/indicators/{symbol}/{timeframe}/latest", s.handleLatestIndicators)
		r.Get("/signals/{strategy}", s.handleSignals)

		r.Get("/strategies", s.handleStrategies)
		r.Get("/presets", s.handlePresets)
		r.Get("/indicator-metadata", s.handleIndicatorMetadata)
		r.Get("/data/stats", s.handleDataStats)

		r.Post("/backtest/run", s.handleBacktestRun)
		r.Get("/backtest/result/{taskID}", s.handleBacktestResult)
		r.Get("/backtest/{taskID}", s.handleBacktestWS)

		r.Get("/tasks", s.handleTasks)
		r.Post("/tasks/{taskID}/cancel", s.handleTaskCancel)

		r.Get("/ws", s.handleWS)
	})

	s.router = r
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}
	return s
}

// Start blocks serving HTTP until shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("HTTP server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// apiError is the structured client-visible failure shape. Validation
// failures answer 400 with kind "validation"; unknown tasks or records
// answer 404 ("not_found"), a full task queue 503 ("capacity"), and a
// failed storage read 500 ("storage").
type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeValidationError reports a validation failure.
func (s *Server) writeValidationError(w http.ResponseWriter, err error) {
	s.writeJSON(w, http.StatusBadRequest, apiError{Kind: "validation", Message: err.Error()})
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStrategies lists strategy definitions with parameter schemas.
func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, config.StrategyDefinitions())
}

// handlePresets lists position sizing presets.
func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, config.SizingPresets())
}
