package indicators

import (
	"github.com/aristath/quantflow/internal/market"
)

// Set is the ordered bag of calculators maintained for one
// (symbol, timeframe, market_kind) series. The set is the exclusive owner of
// its calculators' state; the indicator node's handler goroutine is the only
// caller.
type Set struct {
	key         market.Key
	calculators []Calculator
}

// NewSet creates the default calculator set for a series key: MA over
// {5,10,20,60,120}, EMA {12,26}, RSI(14), MACD(12,26,9), Bollinger(20,2),
// ATR(14), and the 5-period volume MA.
func NewSet(key market.Key) *Set {
	return &Set{
		key: key,
		calculators: []Calculator{
			NewSMA(market.IndMA5, 5),
			NewSMA(market.IndMA10, 10),
			NewSMA(market.IndMA20, 20),
			NewSMA(market.IndMA60, 60),
			NewSMA(market.IndMA120, 120),
			NewEMA(market.IndEMA12, 12),
			NewEMA(market.IndEMA26, 26),
			NewRSI(market.IndRSI14, 14),
			NewMACD(market.IndMACD, market.IndMACDSignal, market.IndMACDHist, 12, 26, 9),
			NewBollinger(market.IndBollUpper, market.IndBollMiddle, market.IndBollLower, 20, 2),
			NewATR(market.IndATR14, 14),
			NewVolumeSMA(market.IndVolMA5, 5),
		},
	}
}

// Key returns the series key this set serves.
func (s *Set) Key() market.Key { return s.key }

// Apply feeds the bar through every calculator in order and composes the
// emitted values into one indicator record. Calculators still warming up, or
// whose bounds check failed for this bar, contribute nothing.
func (s *Set) Apply(bar market.Bar) market.IndicatorRecord {
	values := make(map[string]float64)
	for _, c := range s.calculators {
		if vals, ok := c.Update(bar); ok {
			for name, v := range vals {
				values[name] = v
			}
		}
	}
	return market.IndicatorRecord{
		Symbol:     bar.Symbol,
		Timeframe:  bar.Timeframe,
		MarketKind: bar.MarketKind,
		Timestamp:  bar.Timestamp,
		Values:     values,
	}
}

// WarmUp replays historical bars, oldest first, through the set. Used once
// per key at initialization; after warm-up the set only ever sees live bars.
func (s *Set) WarmUp(bars []market.Bar) {
	for _, bar := range bars {
		s.Apply(bar)
	}
}

// Reset clears every calculator's state.
func (s *Set) Reset() {
	for _, c := range s.calculators {
		c.Reset()
	}
}

// warmupper is implemented by every calculator in the default set.
type warmupper interface {
	Warmup() int
}

// WarmupDepth returns how many historical bars a fresh set needs before all
// calculators emit: the maximum warm-up across the set, floored at 120 so
// that MA(120) is always covered.
func WarmupDepth() int {
	s := NewSet(market.Key{})
	depth := 120
	for _, c := range s.calculators {
		if w, ok := c.(warmupper); ok && w.Warmup() > depth {
			depth = w.Warmup()
		}
	}
	return depth
}
