package strategy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aristath/quantflow/internal/market"
	"github.com/rs/zerolog"
)

// Emitter publishes signals. The live runner emits onto the bus; the
// backtest engine feeds signals straight into the position manager.
type Emitter interface {
	Publish(topic string, payload any)
}

// Runner dispatches bar+indicator pairs into one strategy instance. Bars
// and indicator records arrive on separate topics, so the runner holds the
// bar until the matching-timestamp indicator record shows up, then
// evaluates: watermarks first, then exit, then entry with confirmation.
type Runner struct {
	strat   Strategy
	emitter Emitter
	log     zerolog.Logger

	mu        sync.Mutex
	pending   map[market.Key]*market.Bar            // bar waiting for its indicator record
	prevInd   map[market.Key]market.IndicatorRecord // previous evaluated record
	positions map[string]*Position                  // open shadow position per symbol
}

// NewRunner creates a runner for one strategy instance.
func NewRunner(strat Strategy, emitter Emitter, log zerolog.Logger) *Runner {
	return &Runner{
		strat:     strat,
		emitter:   emitter,
		log:       log.With().Str("component", "strategy_runner").Str("strategy", strat.Name()).Logger(),
		pending:   make(map[market.Key]*market.Bar),
		prevInd:   make(map[market.Key]market.IndicatorRecord),
		positions: make(map[string]*Position),
	}
}

// Name identifies the runner as a node handler.
func (r *Runner) Name() string { return "strategy." + r.strat.Name() }

// Process routes one bus message: bars are parked until their indicator
// record arrives; a matching pair triggers one evaluation.
func (r *Runner) Process(topic string, payload any) error {
	switch {
	case strings.HasPrefix(topic, "bar."):
		bar, ok := payload.(market.Bar)
		if !ok {
			return fmt.Errorf("unexpected payload type %T on %s", payload, topic)
		}
		r.mu.Lock()
		b := bar
		r.pending[bar.Key()] = &b
		r.mu.Unlock()
		return nil

	case strings.HasPrefix(topic, "ind."):
		rec, ok := payload.(market.IndicatorRecord)
		if !ok {
			return fmt.Errorf("unexpected payload type %T on %s", payload, topic)
		}
		return r.onIndicator(rec)

	default:
		return nil
	}
}

// onIndicator pairs the record with its parked bar and evaluates.
func (r *Runner) onIndicator(rec market.IndicatorRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := rec.Key()
	bar := r.pending[key]
	if bar == nil || bar.Timestamp != rec.Timestamp {
		// The bar was dropped (subscriber overflow) or the record is
		// stale; downstream tolerates absent evaluations.
		r.prevInd[key] = rec
		return nil
	}
	delete(r.pending, key)

	prev := r.prevInd[key]
	r.prevInd[key] = rec

	r.evaluateLocked(*bar, rec, prev)
	return nil
}

// evaluateLocked runs one dispatch cycle for a paired bar+record. Caller
// holds r.mu, which also serializes per-symbol evaluation.
func (r *Runner) evaluateLocked(bar market.Bar, ind, prev market.IndicatorRecord) {
	symbol := bar.Symbol
	pos := r.positions[symbol]

	if pos != nil {
		pos.UpdateWatermarks(bar)

		if sig := r.strat.CheckExit(symbol, bar, ind, prev, pos); sig != nil {
			delete(r.positions, symbol)
			r.emit(sig)
		}
		return
	}

	sig := r.strat.CheckEntry(symbol, bar, ind, prev)
	if sig == nil {
		return
	}
	if !r.strat.Confirm(context.Background(), sig, bar, ind) {
		r.log.Debug().Str("symbol", symbol).Str("reason", sig.Reason).Msg("Entry signal rejected by confirmation")
		return
	}

	pos = &Position{
		Symbol:        symbol,
		Side:          sig.Side,
		EntryPrice:    sig.Price,
		EntryTime:     sig.Timestamp,
		HighWatermark: bar.High,
		LowWatermark:  bar.Low,
	}
	if sig.StopLoss != nil {
		pos.StopLoss = *sig.StopLoss
	}
	if sig.TakeProfit != nil {
		pos.TakeProfit = *sig.TakeProfit
	}
	r.positions[symbol] = pos
	r.emit(sig)
}

// emit validates and publishes one signal.
func (r *Runner) emit(sig *market.Signal) {
	if err := sig.Validate(); err != nil {
		r.log.Error().Err(err).Msg("Refusing to emit invalid signal")
		return
	}
	r.emitter.Publish(market.SignalTopic(sig.Strategy, sig.Symbol), sig)
	r.log.Info().
		Str("symbol", sig.Symbol).
		Str("kind", string(sig.Kind)).
		Float64("price", sig.Price).
		Str("reason", sig.Reason).
		Msg("Signal emitted")
}

// Position returns the open shadow position for a symbol, or nil.
func (r *Runner) Position(symbol string) *Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.positions[symbol]
}

// OpenSymbols returns the symbols with an open shadow position.
func (r *Runner) OpenSymbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.positions))
	for sym := range r.positions {
		out = append(out, sym)
	}
	return out
}
