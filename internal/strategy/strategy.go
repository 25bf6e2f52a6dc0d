// Package strategy implements the strategy execution framework: the
// entry/exit/confirm contract, the shared default exit logic, the
// name-keyed registry, and the runner that dispatches bar+indicator pairs.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/quantflow/internal/market"
)

// Position is the strategy-side shadow of an open position: enough to drive
// exit logic. Authoritative sizing and accounting live in the position
// manager.
type Position struct {
	Symbol        string
	Side          market.Side
	EntryPrice    float64
	EntryTime     int64
	StopLoss      float64 // 0 = unset
	TakeProfit    float64 // 0 = unset
	HighWatermark float64
	LowWatermark  float64
}

// UpdateWatermarks folds one bar's extremes into the position.
func (p *Position) UpdateWatermarks(bar market.Bar) {
	if bar.High > p.HighWatermark {
		p.HighWatermark = bar.High
	}
	if p.LowWatermark == 0 || bar.Low < p.LowWatermark {
		p.LowWatermark = bar.Low
	}
}

// Strategy is the contract every implementation satisfies. CheckEntry and
// CheckExit receive the current bar plus the current and previous indicator
// records for the symbol; Confirm receives the bar and the current record.
type Strategy interface {
	Name() string

	// CheckEntry returns an OPEN signal or nil.
	CheckEntry(symbol string, bar market.Bar, ind, prev market.IndicatorRecord) *market.Signal

	// CheckExit returns a CLOSE signal or nil, given the open position.
	CheckExit(symbol string, bar market.Bar, ind, prev market.IndicatorRecord, pos *Position) *market.Signal

	// Confirm is the second-stage filter; it may attach enhancement
	// metadata to the signal. It never fails a signal on enhancement
	// errors.
	Confirm(ctx context.Context, sig *market.Signal, bar market.Bar, ind market.IndicatorRecord) bool
}

// Params is the untyped parameter document validated at the gateway
// boundary; factories convert it into their own structured records.
type Params map[string]float64

// Get returns a parameter with a default.
func (p Params) Get(name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

// Factory builds a strategy from validated parameters.
type Factory func(params Params) (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a strategy factory under a unique name. Called from
// package init functions of concrete strategies.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New instantiates a registered strategy.
func New(name string, params Params) (Strategy, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return factory(params)
}

// Names returns the registered strategy names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
