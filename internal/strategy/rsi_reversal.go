package strategy

import (
	"fmt"

	"github.com/aristath/quantflow/internal/market"
)

func init() {
	Register("rsi_reversal", func(params Params) (Strategy, error) {
		oversold := params.Get("oversold", 30)
		overbought := params.Get("overbought", 70)
		if oversold >= overbought {
			return nil, fmt.Errorf("rsi_reversal requires oversold < overbought, got %.0f >= %.0f", oversold, overbought)
		}
		return &RSIReversal{
			Base:       Base{StrategyName: "rsi_reversal"},
			oversold:   oversold,
			overbought: overbought,
		}, nil
	})
}

// RSIReversal fades extremes: it opens a long when RSI recovers from the
// oversold zone, a short when RSI rolls over from the overbought zone, and
// closes when RSI reaches the opposite extreme.
type RSIReversal struct {
	Base
	oversold   float64
	overbought float64
}

// CheckEntry opens against the extreme once RSI turns back.
func (s *RSIReversal) CheckEntry(symbol string, bar market.Bar, ind, prev market.IndicatorRecord) *market.Signal {
	rsiNow, ok1 := ind.Value(market.IndRSI14)
	rsiPrev, ok2 := prev.Value(market.IndRSI14)
	if !ok1 || !ok2 {
		return nil
	}
	if rsiPrev < s.oversold && rsiNow >= s.oversold {
		return s.NewOpen(symbol, bar, ind, market.SideLong,
			fmt.Sprintf("RSI recovered from oversold (%.1f -> %.1f)", rsiPrev, rsiNow))
	}
	if rsiPrev > s.overbought && rsiNow <= s.overbought {
		return s.NewOpen(symbol, bar, ind, market.SideShort,
			fmt.Sprintf("RSI rolled over from overbought (%.1f -> %.1f)", rsiPrev, rsiNow))
	}
	return nil
}

// CheckExit closes at the opposite extreme, after the protective exits.
func (s *RSIReversal) CheckExit(symbol string, bar market.Bar, ind, prev market.IndicatorRecord, pos *Position) *market.Signal {
	if sig := s.Base.CheckExit(symbol, bar, ind, prev, pos); sig != nil {
		return sig
	}
	rsi, ok := ind.Value(market.IndRSI14)
	if !ok {
		return nil
	}
	if pos.Side == market.SideLong && rsi > s.overbought {
		return s.NewClose(symbol, bar, pos, fmt.Sprintf("RSI extreme %.1f", rsi))
	}
	if pos.Side == market.SideShort && rsi < s.oversold {
		return s.NewClose(symbol, bar, pos, fmt.Sprintf("RSI extreme %.1f", rsi))
	}
	return nil
}
