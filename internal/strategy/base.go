package strategy

import (
	"context"
	"fmt"

	"github.com/aristath/quantflow/internal/llm"
	"github.com/aristath/quantflow/internal/market"
)

// Default risk parameters used when ATR is unavailable.
const (
	fallbackStopPct   = 0.02 // 2% stop-loss
	fallbackTargetPct = 0.04 // 4% take-profit
	trailingPct       = 0.03 // 3% giveback from the watermark

	atrStopMult   = 2.0
	atrTargetMult = 3.0

	// Confirmation filters.
	minVolumeRatio = 0.5  // bar volume must be at least half the 5-bar average
	maxATRRatio    = 0.08 // ATR above 8% of price means the market is too wild
)

// Base supplies the shared pieces of the strategy contract: stop/target
// derivation, the default exit checks, and the two-stage confirmation.
// Concrete strategies embed it and add their entry and exit rules on top.
type Base struct {
	StrategyName string
	Enhancer     llm.Enhancer // optional capability; nil disables enhancement
}

// Name returns the strategy name.
func (b *Base) Name() string { return b.StrategyName }

// StopTarget derives stop-loss and take-profit prices for an entry at
// price. When the indicator record carries an ATR the distances are
// 2×ATR / 3×ATR; otherwise fixed percentages.
func (b *Base) StopTarget(side market.Side, price float64, ind market.IndicatorRecord) (stop, target float64) {
	stopDist := price * fallbackStopPct
	targetDist := price * fallbackTargetPct
	if atr, ok := ind.Value(market.IndATR14); ok && atr > 0 {
		stopDist = atrStopMult * atr
		targetDist = atrTargetMult * atr
	}
	if side == market.SideLong {
		return price - stopDist, price + targetDist
	}
	return price + stopDist, price - targetDist
}

// NewOpen builds an OPEN signal for the side with derived stop and target
// attached.
func (b *Base) NewOpen(symbol string, bar market.Bar, ind market.IndicatorRecord, side market.Side, reason string) *market.Signal {
	kind := market.OpenLong
	if side == market.SideShort {
		kind = market.OpenShort
	}
	sig := market.NewSignal(b.StrategyName, symbol, bar.Timestamp, bar.Close, kind, reason)
	stop, target := b.StopTarget(side, bar.Close, ind)
	sig.StopLoss = &stop
	sig.TakeProfit = &target
	return sig
}

// NewClose builds a CLOSE signal matching the position's side.
func (b *Base) NewClose(symbol string, bar market.Bar, pos *Position, reason string) *market.Signal {
	kind := market.CloseLong
	if pos.Side == market.SideShort {
		kind = market.CloseShort
	}
	return market.NewSignal(b.StrategyName, symbol, bar.Timestamp, bar.Close, kind, reason)
}

// CheckExit applies the default protective exits: stop-loss, take-profit,
// and a trailing stop derived from the watermarks. Concrete strategies call
// this first and layer their own exits after.
func (b *Base) CheckExit(symbol string, bar market.Bar, ind, prev market.IndicatorRecord, pos *Position) *market.Signal {
	price := bar.Close

	if pos.Side == market.SideLong {
		if pos.StopLoss > 0 && price <= pos.StopLoss {
			return b.NewClose(symbol, bar, pos, fmt.Sprintf("stop-loss hit at %.2f", price))
		}
		if pos.TakeProfit > 0 && price >= pos.TakeProfit {
			return b.NewClose(symbol, bar, pos, fmt.Sprintf("take-profit hit at %.2f", price))
		}
		// Trail only once the position has moved in our favor.
		if pos.HighWatermark > pos.EntryPrice {
			trail := pos.HighWatermark * (1 - trailingPct)
			if price <= trail && trail > pos.EntryPrice {
				return b.NewClose(symbol, bar, pos, fmt.Sprintf("trailing stop from high %.2f", pos.HighWatermark))
			}
		}
		return nil
	}

	if pos.StopLoss > 0 && price >= pos.StopLoss {
		return b.NewClose(symbol, bar, pos, fmt.Sprintf("stop-loss hit at %.2f", price))
	}
	if pos.TakeProfit > 0 && price <= pos.TakeProfit {
		return b.NewClose(symbol, bar, pos, fmt.Sprintf("take-profit hit at %.2f", price))
	}
	if pos.LowWatermark > 0 && pos.LowWatermark < pos.EntryPrice {
		trail := pos.LowWatermark * (1 + trailingPct)
		if price >= trail && trail < pos.EntryPrice {
			return b.NewClose(symbol, bar, pos, fmt.Sprintf("trailing stop from low %.2f", pos.LowWatermark))
		}
	}
	return nil
}

// Confirm runs the second-stage filters: volume floor against the 5-bar
// volume average, volatility ceiling against ATR/price, then the optional
// LLM enhancement. Enhancement failure never rejects.
func (b *Base) Confirm(ctx context.Context, sig *market.Signal, bar market.Bar, ind market.IndicatorRecord) bool {
	if volMA, ok := ind.Value(market.IndVolMA5); ok && volMA > 0 {
		if bar.Volume < volMA*minVolumeRatio {
			return false
		}
	}
	if atr, ok := ind.Value(market.IndATR14); ok && bar.Close > 0 {
		if atr/bar.Close > maxATRRatio {
			return false
		}
	}
	return llm.Enhance(ctx, b.Enhancer, sig, bar, ind)
}
