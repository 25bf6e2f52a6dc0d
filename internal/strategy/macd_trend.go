package strategy

import (
	"fmt"

	"github.com/aristath/quantflow/internal/market"
)

func init() {
	Register("macd_trend", func(params Params) (Strategy, error) {
		return &MACDTrend{Base: Base{StrategyName: "macd_trend"}}, nil
	})
}

// MACDTrend follows histogram sign changes: a histogram turning positive
// opens a long, turning negative closes it.
type MACDTrend struct {
	Base
}

// CheckEntry opens a long when the histogram flips positive.
func (s *MACDTrend) CheckEntry(symbol string, bar market.Bar, ind, prev market.IndicatorRecord) *market.Signal {
	histNow, ok1 := ind.Value(market.IndMACDHist)
	histPrev, ok2 := prev.Value(market.IndMACDHist)
	if !ok1 || !ok2 {
		return nil
	}
	if histPrev <= 0 && histNow > 0 {
		return s.NewOpen(symbol, bar, ind, market.SideLong,
			fmt.Sprintf("MACD histogram turned positive (%.4f)", histNow))
	}
	return nil
}

// CheckExit closes when the histogram flips negative, after the protective
// exits.
func (s *MACDTrend) CheckExit(symbol string, bar market.Bar, ind, prev market.IndicatorRecord, pos *Position) *market.Signal {
	if sig := s.Base.CheckExit(symbol, bar, ind, prev, pos); sig != nil {
		return sig
	}
	histNow, ok1 := ind.Value(market.IndMACDHist)
	histPrev, ok2 := prev.Value(market.IndMACDHist)
	if !ok1 || !ok2 {
		return nil
	}
	if pos.Side == market.SideLong && histPrev >= 0 && histNow < 0 {
		return s.NewClose(symbol, bar, pos, fmt.Sprintf("MACD histogram turned negative (%.4f)", histNow))
	}
	return nil
}
