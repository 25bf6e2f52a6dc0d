package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aristath/quantflow/internal/config"
	"github.com/aristath/quantflow/internal/engine"
	"github.com/aristath/quantflow/internal/market"
	"github.com/aristath/quantflow/internal/position"
	"github.com/aristath/quantflow/internal/strategy"
	"github.com/aristath/quantflow/internal/tasks"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// BacktestRequest is the gateway-boundary document for POST /backtest/run.
// Parameters arrive untyped and are validated against the strategy schema
// before instantiation.
type BacktestRequest struct {
	Strategy       string          `json:"strategy"`
	Symbol         string          `json:"symbol"`
	Timeframe      string          `json:"timeframe"`
	StartDate      string          `json:"start_date"` // YYYY-MM-DD
	EndDate        string          `json:"end_date"`
	InitialBalance float64         `json:"initial_balance"`
	PositionPreset string          `json:"position_preset"`
	Params         strategy.Params `json:"params"`
	MarketKind     string          `json:"market_kind"`
}

// BacktestRunner executes one validated backtest and returns its result
// bundle. Wired by main to build the replay source and engine.
type BacktestRunner func(ctx context.Context, req BacktestRequest, strat strategy.Strategy, preset position.Preset, start, end time.Time, tracker *tasks.ProgressTracker) (*engine.Result, error)

// validate resolves and checks every field of the request, returning the
// pieces the runner needs.
func (req *BacktestRequest) validate() (strategy.Strategy, *position.Preset, time.Time, time.Time, error) {
	var zero time.Time

	def, err := config.FindStrategy(req.Strategy)
	if err != nil {
		return nil, nil, zero, zero, err
	}
	if err := config.ValidateParams(def, req.Params); err != nil {
		return nil, nil, zero, zero, err
	}
	strat, err := strategy.New(req.Strategy, req.Params)
	if err != nil {
		return nil, nil, zero, zero, err
	}

	preset, err := config.FindPreset(req.PositionPreset)
	if err != nil {
		return nil, nil, zero, zero, err
	}

	if req.Symbol == "" {
		return nil, nil, zero, zero, fmt.Errorf("missing symbol")
	}
	if !market.Timeframe(req.Timeframe).Valid() {
		return nil, nil, zero, zero, fmt.Errorf("unknown timeframe %q", req.Timeframe)
	}
	if req.MarketKind != "" && !market.MarketKind(req.MarketKind).Valid() {
		return nil, nil, zero, zero, fmt.Errorf("unknown market kind %q", req.MarketKind)
	}
	if req.InitialBalance <= 0 {
		return nil, nil, zero, zero, fmt.Errorf("initial balance must be positive")
	}

	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		return nil, nil, zero, zero, fmt.Errorf("invalid start date %q", req.StartDate)
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		return nil, nil, zero, zero, fmt.Errorf("invalid end date %q", req.EndDate)
	}
	if !start.Before(end) {
		return nil, nil, zero, zero, fmt.Errorf("start date must be before end date")
	}

	return strat, preset, start, end, nil
}

// handleBacktestRun validates the request synchronously and submits the
// run to the task manager. Validation errors never enter the task
// lifecycle.
func (s *Server) handleBacktestRun(w http.ResponseWriter, r *http.Request) {
	var req BacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeValidationError(w, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.MarketKind == "" {
		req.MarketKind = string(market.MarketSpot)
	}

	strat, preset, start, end, err := req.validate()
	if err != nil {
		s.writeValidationError(w, err)
		return
	}

	taskID := uuid.New().String()
	work := func(ctx context.Context) (interface{}, error) {
		tracker := tasks.NewProgressTracker(0, 200*time.Millisecond, 200, func(percent int) {
			s.cfg.Tasks.UpdateProgress(taskID, percent)
		})
		result, err := s.cfg.Backtest(ctx, req, strat, *preset, start, end, tracker)
		if err != nil {
			return nil, err
		}
		if err := s.cfg.Backtests.Save(taskID, req.Strategy, req.Symbol, time.Now().Unix(), result); err != nil {
			s.log.Error().Err(err).Str("task_id", taskID).Msg("Failed to persist backtest result")
		}
		return result, nil
	}

	if err := s.cfg.Tasks.Submit(taskID, "backtest", work); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, apiError{Kind: "capacity", Message: err.Error()})
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// handleBacktestResult reports task status plus results when completed.
func (s *Server) handleBacktestResult(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	update, err := s.cfg.Tasks.Get(taskID)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, apiError{Kind: "not_found", Message: "unknown task"})
		return
	}
	s.writeJSON(w, http.StatusOK, update)
}
