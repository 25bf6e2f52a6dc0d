// Package engine implements the unified trading engine: one strategy
// instance, one position manager, and one data source, identical for live
// runs and deterministic backtests.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/quantflow/internal/bus"
	"github.com/aristath/quantflow/internal/datasource"
	"github.com/aristath/quantflow/internal/market"
	"github.com/aristath/quantflow/internal/position"
	"github.com/aristath/quantflow/internal/strategy"
	"github.com/aristath/quantflow/internal/tasks"
	"github.com/rs/zerolog"
)

// OrderForwarder receives accepted signals in live mode. The exchange
// order client is an external collaborator behind this interface.
type OrderForwarder interface {
	Forward(ctx context.Context, sig *market.Signal, pos *position.Position) error
}

// Mode selects live or replay behavior.
type Mode string

const (
	ModeLive   Mode = "live"
	ModeReplay Mode = "replay"
)

// Config configures an engine run.
type Config struct {
	Mode      Mode
	Strategy  strategy.Strategy
	Manager   *position.Manager
	Source    datasource.Source
	Bus       *bus.Bus               // live mode: signals are also published
	Forwarder OrderForwarder         // live mode: accepted signals go to the exchange
	Tracker   *tasks.ProgressTracker // optional; invoked per processed message
	Log       zerolog.Logger
}

// Engine orchestrates one run.
type Engine struct {
	cfg    Config
	runner *strategy.Runner
	log    zerolog.Logger

	lastPrice map[string]float64
	lastInd   map[string]market.IndicatorRecord
	lastTS    int64
}

// New creates an engine. The strategy runner is constructed internally so
// that emitted signals feed the position manager within the same run.
func New(cfg Config) *Engine {
	e := &Engine{
		cfg:       cfg,
		log:       cfg.Log.With().Str("component", "engine").Str("mode", string(cfg.Mode)).Logger(),
		lastPrice: make(map[string]float64),
		lastInd:   make(map[string]market.IndicatorRecord),
	}
	e.runner = strategy.NewRunner(cfg.Strategy, &signalTap{engine: e}, cfg.Log)
	return e
}

// signalTap is the runner's emitter: every emitted signal is applied to the
// position manager in-run and, in live mode, republished on the bus.
type signalTap struct {
	engine *Engine
}

// Publish implements strategy.Emitter.
func (t *signalTap) Publish(topic string, payload any) {
	sig, ok := payload.(*market.Signal)
	if !ok {
		return
	}
	t.engine.applySignal(sig)
	if t.engine.cfg.Mode == ModeLive && t.engine.cfg.Bus != nil {
		t.engine.cfg.Bus.Publish(topic, sig)
	}
}

// applySignal drives the position manager: replay simulates the fill at the
// signal price, live forwards to the exchange adapter after booking.
func (e *Engine) applySignal(sig *market.Signal) {
	var booked *position.Position
	var err error

	switch sig.Action {
	case market.ActionOpen:
		atr := 0.0
		if rec, ok := e.lastInd[sig.Symbol]; ok {
			atr, _ = rec.Value(market.IndATR14)
		}
		booked, err = e.cfg.Manager.Open(sig, atr)
	case market.ActionClose:
		_, err = e.cfg.Manager.Close(sig)
	}
	if err != nil {
		e.log.Warn().Err(err).Str("kind", string(sig.Kind)).Str("symbol", sig.Symbol).Msg("Signal rejected by position manager")
		return
	}

	if e.cfg.Mode == ModeLive && e.cfg.Forwarder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.cfg.Forwarder.Forward(ctx, sig, booked); err != nil {
			e.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("Failed to forward order to exchange")
		}
	}
}

// Run consumes the merged stream, delivering each message to the strategy
// through its node interface, and returns the result bundle. In replay mode
// all open positions are closed at the last bar before results are
// computed.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	initialEquity := e.cfg.Manager.Equity()

	total := e.cfg.Source.TotalPoints()
	if e.cfg.Mode == ModeReplay && total == 0 {
		return nil, fmt.Errorf("replay source has no data")
	}

	sink := func(msg datasource.Message) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.deliver(msg)
		if e.cfg.Tracker != nil {
			e.cfg.Tracker.Tick()
		}
		return nil
	}

	err := e.cfg.Source.Run(ctx, sink)
	if err != nil && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("data source failed: %w", err)
	}

	if e.cfg.Mode == ModeReplay {
		e.cfg.Manager.CloseAll(e.lastPrice, e.lastTS, "end of replay")
	}

	result := buildResult(e.cfg.Strategy.Name(), initialEquity, e.cfg.Manager, e.lastPrice)
	e.log.Info().
		Int("trades", result.TotalTrades).
		Float64("final_equity", result.FinalEquity).
		Float64("realized_pnl", result.RealizedPnL).
		Msg("Run finished")
	return result, nil
}

// deliver routes one message into the strategy runner and the engine's own
// bookkeeping (watermarks, last prices, last indicator records).
func (e *Engine) deliver(msg datasource.Message) {
	switch {
	case msg.Bar != nil:
		bar := *msg.Bar
		e.lastPrice[bar.Symbol] = bar.Close
		if bar.Timestamp > e.lastTS {
			e.lastTS = bar.Timestamp
		}
		e.cfg.Manager.UpdateWatermarks(bar.Symbol, bar)
		if err := e.runner.Process(msg.Topic, bar); err != nil {
			e.log.Error().Err(err).Msg("Strategy rejected bar")
		}
	case msg.Indicator != nil:
		rec := *msg.Indicator
		e.lastInd[rec.Symbol] = rec
		if err := e.runner.Process(msg.Topic, rec); err != nil {
			e.log.Error().Err(err).Msg("Strategy rejected indicator record")
		}
	}
}
