package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/quantflow/internal/indicators"
	"github.com/aristath/quantflow/internal/market"
	"github.com/go-chi/chi/v5"
)

// keyFromRequest resolves symbol/timeframe path params plus the optional
// market query param into a validated series key.
func keyFromRequest(r *http.Request) (market.Key, error) {
	key := market.Key{
		Symbol:     chi.URLParam(r, "symbol"),
		Timeframe:  market.Timeframe(chi.URLParam(r, "timeframe")),
		MarketKind: market.MarketKind(r.URL.Query().Get("market")),
	}
	if key.MarketKind == "" {
		key.MarketKind = market.MarketSpot
	}
	if key.Symbol == "" {
		return key, fmt.Errorf("missing symbol")
	}
	if !key.Timeframe.Valid() {
		return key, fmt.Errorf("unknown timeframe %q", key.Timeframe)
	}
	if !key.MarketKind.Valid() {
		return key, fmt.Errorf("unknown market kind %q", key.MarketKind)
	}
	return key, nil
}

// handleBars returns a chronological array of bars for a key, bounded by
// the optional from/to range parameters (Unix seconds).
func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		s.writeValidationError(w, err)
		return
	}

	now := time.Now().Unix()
	from := queryInt64(r, "from", now-30*24*3600)
	to := queryInt64(r, "to", now)
	if from > to {
		s.writeValidationError(w, fmt.Errorf("from %d after to %d", from, to))
		return
	}

	bars, err := s.cfg.Bars.Range(key, from, to)
	if err != nil {
		s.log.Error().Err(err).Str("key", key.String()).Msg("Failed to load bars")
		s.writeJSON(w, http.StatusInternalServerError, apiError{Kind: "storage", Message: "failed to load bars"})
		return
	}
	if bars == nil {
		bars = []market.Bar{}
	}
	s.writeJSON(w, http.StatusOK, bars)
}

// handleLatestIndicators returns the most recent indicator record for a
// key.
func (s *Server) handleLatestIndicators(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		s.writeValidationError(w, err)
		return
	}

	rec, err := s.cfg.Indicators.Latest(key)
	if err != nil {
		s.log.Error().Err(err).Str("key", key.String()).Msg("Failed to load latest indicators")
		s.writeJSON(w, http.StatusInternalServerError, apiError{Kind: "storage", Message: "failed to load indicators"})
		return
	}
	if rec == nil {
		s.writeJSON(w, http.StatusNotFound, apiError{Kind: "not_found", Message: "no indicator record for key"})
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// handleSignals returns recent signals for a strategy, optionally filtered
// by symbol.
func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	strategyName := chi.URLParam(r, "strategy")
	symbol := r.URL.Query().Get("symbol")
	limit := int(queryInt64(r, "limit", 100))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	sigs, err := s.cfg.Signals.Recent(strategyName, symbol, limit)
	if err != nil {
		s.log.Error().Err(err).Str("strategy", strategyName).Msg("Failed to load signals")
		s.writeJSON(w, http.StatusInternalServerError, apiError{Kind: "storage", Message: "failed to load signals"})
		return
	}
	if sigs == nil {
		sigs = []*market.Signal{}
	}
	s.writeJSON(w, http.StatusOK, sigs)
}

// handleIndicatorMetadata lists the enabled indicator families.
func (s *Server) handleIndicatorMetadata(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"engine_version": indicators.Version,
		"indicators":     indicators.DefaultMetadata(),
	})
}

// handleDataStats reports per-key bar counts.
func (s *Server) handleDataStats(w http.ResponseWriter, r *http.Request) {
	type keyStats struct {
		Key   market.Key `json:"key"`
		Bars  int64      `json:"bars"`
		Topic string     `json:"topic"`
	}

	stats := make([]keyStats, 0, len(s.cfg.Keys))
	for _, key := range s.cfg.Keys {
		count, err := s.cfg.Bars.Count(key)
		if err != nil {
			s.log.Error().Err(err).Str("key", key.String()).Msg("Failed to count bars")
			continue
		}
		stats = append(stats, keyStats{Key: key, Bars: count, Topic: market.BarTopic(key)})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys": stats,
		"bus":  s.cfg.Bus.Stats(),
	})
}

// handleTasks lists tracked tasks.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Tasks.List())
}

// handleTaskCancel requests cooperative cancellation.
func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.cfg.Tasks.Cancel(taskID); err != nil {
		s.writeJSON(w, http.StatusNotFound, apiError{Kind: "not_found", Message: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// queryInt64 parses an integer query parameter with a default.
func queryInt64(r *http.Request, name string, def int64) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}
