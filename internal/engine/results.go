package engine

import (
	"math"

	"github.com/aristath/quantflow/internal/position"
	"gonum.org/v1/gonum/stat"
)

// Result is the bundle produced by one engine run. Identical inputs
// produce bit-identical bundles: trades in the same order, the same P&L to
// the last representable unit.
type Result struct {
	Strategy      string           `json:"strategy" msgpack:"strategy"`
	InitialEquity float64          `json:"initial_equity" msgpack:"initial_equity"`
	FinalEquity   float64          `json:"final_equity" msgpack:"final_equity"`
	RealizedPnL   float64          `json:"realized_pnl" msgpack:"realized_pnl"`
	UnrealizedPnL float64          `json:"unrealized_pnl" msgpack:"unrealized_pnl"`
	TotalTrades   int              `json:"total_trades" msgpack:"total_trades"`
	WinningTrades int              `json:"winning_trades" msgpack:"winning_trades"`
	LosingTrades  int              `json:"losing_trades" msgpack:"losing_trades"`
	WinRate       float64          `json:"win_rate" msgpack:"win_rate"`
	ProfitFactor  float64          `json:"profit_factor" msgpack:"profit_factor"`
	Sharpe        float64          `json:"sharpe" msgpack:"sharpe"`
	MaxDrawdown   float64          `json:"max_drawdown" msgpack:"max_drawdown"`
	Trades        []position.Trade `json:"trades" msgpack:"trades"`
}

// buildResult assembles the bundle from the manager's trade log and open
// state.
func buildResult(strategyName string, initialEquity float64, mgr *position.Manager, lastPrices map[string]float64) *Result {
	trades := mgr.Trades()
	unrealized := mgr.UnrealizedPnL(lastPrices)

	r := &Result{
		Strategy:      strategyName,
		InitialEquity: initialEquity,
		FinalEquity:   mgr.Equity() + unrealized,
		UnrealizedPnL: unrealized,
		TotalTrades:   len(trades),
		Trades:        trades,
	}

	var grossProfit, grossLoss float64
	returns := make([]float64, 0, len(trades))
	equity := initialEquity
	peak := initialEquity

	for _, t := range trades {
		r.RealizedPnL += t.PnL
		if t.PnL > 0 {
			r.WinningTrades++
			grossProfit += t.PnL
		} else {
			r.LosingTrades++
			grossLoss += -t.PnL
		}
		if t.USDAmount > 0 {
			returns = append(returns, t.PnL/t.USDAmount)
		}

		// Trade-resolution equity curve for the drawdown estimate.
		equity += t.PnL
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > r.MaxDrawdown {
				r.MaxDrawdown = dd
			}
		}
	}

	if r.TotalTrades > 0 {
		r.WinRate = float64(r.WinningTrades) / float64(r.TotalTrades)
	}
	if grossLoss > 0 {
		r.ProfitFactor = grossProfit / grossLoss
	} else {
		// Undefined without losses; report gross profit so the value
		// stays finite and JSON-encodable.
		r.ProfitFactor = grossProfit
	}

	// Sharpe proxy over per-trade returns, zero risk-free rate.
	if len(returns) >= 2 {
		mean, std := stat.MeanStdDev(returns, nil)
		if std > 0 {
			r.Sharpe = mean / std * math.Sqrt(float64(len(returns)))
		}
	}

	return r
}
