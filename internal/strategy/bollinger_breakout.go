package strategy

import (
	"fmt"

	"github.com/aristath/quantflow/internal/market"
)

func init() {
	Register("bollinger_breakout", func(params Params) (Strategy, error) {
		return &BollingerBreakout{Base: Base{StrategyName: "bollinger_breakout"}}, nil
	})
}

// BollingerBreakout buys closes above the upper band and exits on mean
// reversion back to the middle band.
type BollingerBreakout struct {
	Base
}

// CheckEntry opens a long when the close breaks above the upper band.
func (s *BollingerBreakout) CheckEntry(symbol string, bar market.Bar, ind, prev market.IndicatorRecord) *market.Signal {
	upper, ok1 := ind.Value(market.IndBollUpper)
	prevUpper, ok2 := prev.Value(market.IndBollUpper)
	if !ok1 || !ok2 {
		return nil
	}
	if bar.Close > upper && bar.Open <= prevUpper {
		return s.NewOpen(symbol, bar, ind, market.SideLong,
			fmt.Sprintf("close %.2f above upper band %.2f", bar.Close, upper))
	}
	return nil
}

// CheckExit closes on reversion to the middle band, after the protective
// exits.
func (s *BollingerBreakout) CheckExit(symbol string, bar market.Bar, ind, prev market.IndicatorRecord, pos *Position) *market.Signal {
	if sig := s.Base.CheckExit(symbol, bar, ind, prev, pos); sig != nil {
		return sig
	}
	middle, ok := ind.Value(market.IndBollMiddle)
	if !ok {
		return nil
	}
	if pos.Side == market.SideLong && bar.Close <= middle {
		return s.NewClose(symbol, bar, pos, fmt.Sprintf("reverted to band middle %.2f", middle))
	}
	return nil
}
