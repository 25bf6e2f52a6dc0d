// Package position implements the position manager: sizing strategies,
// risk limits, and open/close accounting against a running cash+exposure
// model.
package position

import (
	"fmt"
	"math"

	"github.com/aristath/quantflow/internal/market"
)

// SizingKind tags the closed family of sizing strategies.
type SizingKind string

const (
	SizingFixedAmount        SizingKind = "fixed_amount"
	SizingFixedPercentage    SizingKind = "fixed_percentage"
	SizingRiskBased          SizingKind = "risk_based"
	SizingKelly              SizingKind = "kelly"
	SizingVolatilityAdjusted SizingKind = "volatility_adjusted"
)

// SizingInput carries the per-signal facts a sizer may consult.
type SizingInput struct {
	Equity   float64
	Price    float64
	StopLoss float64 // 0 = no stop attached
	ATR      float64 // 0 = unavailable
}

// Sizer computes the raw USD amount for one entry.
type Sizer interface {
	Kind() SizingKind
	Size(in SizingInput) float64
}

// FixedAmount sizes every entry at a constant amount, never more than half
// of equity.
type FixedAmount struct {
	Amount float64
}

// Kind returns the sizing tag.
func (s FixedAmount) Kind() SizingKind { return SizingFixedAmount }

// Size returns min(A, 0.5 * equity).
func (s FixedAmount) Size(in SizingInput) float64 {
	return math.Min(s.Amount, 0.5*in.Equity)
}

// FixedPercentage sizes every entry at a fixed fraction of equity.
type FixedPercentage struct {
	Fraction float64
}

// Kind returns the sizing tag.
func (s FixedPercentage) Kind() SizingKind { return SizingFixedPercentage }

// Size returns p * equity.
func (s FixedPercentage) Size(in SizingInput) float64 {
	return s.Fraction * in.Equity
}

// RiskBased sizes so that hitting the stop costs a fixed fraction of
// equity. Without a stop it falls back to 10% of equity; the result is
// capped at half of equity.
type RiskBased struct {
	RiskFraction float64
}

// Kind returns the sizing tag.
func (s RiskBased) Kind() SizingKind { return SizingRiskBased }

// Size returns (r * equity) / (|price - stop| / price), capped.
func (s RiskBased) Size(in SizingInput) float64 {
	if in.StopLoss <= 0 || in.Price <= 0 {
		return 0.1 * in.Equity
	}
	stopDist := math.Abs(in.Price-in.StopLoss) / in.Price
	if stopDist == 0 {
		return 0.1 * in.Equity
	}
	raw := s.RiskFraction * in.Equity / stopDist
	return math.Min(raw, 0.5*in.Equity)
}

// Kelly sizes at half-Kelly from a win rate and payoff ratio fixed at
// construction, clamped to [1%, 25%] of equity.
type Kelly struct {
	WinRate     float64 // p
	PayoffRatio float64 // b
}

// Kind returns the sizing tag.
func (s Kelly) Kind() SizingKind { return SizingKelly }

// Size returns clamp(0.5 * (p*b - (1-p)) / b, 0.01, 0.25) * equity.
func (s Kelly) Size(in SizingInput) float64 {
	if s.PayoffRatio <= 0 {
		return 0.01 * in.Equity
	}
	f := 0.5 * (s.WinRate*s.PayoffRatio - (1 - s.WinRate)) / s.PayoffRatio
	if f < 0.01 {
		f = 0.01
	}
	if f > 0.25 {
		f = 0.25
	}
	return f * in.Equity
}

// VolatilityAdjusted shrinks a base fraction as ATR grows relative to
// price.
type VolatilityAdjusted struct {
	BaseFraction float64
}

// Kind returns the sizing tag.
func (s VolatilityAdjusted) Kind() SizingKind { return SizingVolatilityAdjusted }

// Size returns base * equity / (1 + 20 * ATR/price).
func (s VolatilityAdjusted) Size(in SizingInput) float64 {
	raw := s.BaseFraction * in.Equity
	if in.ATR > 0 && in.Price > 0 {
		raw /= 1 + 20*in.ATR/in.Price
	}
	return raw
}

// Preset is a named bundle of sizing rule and risk limits, loaded at
// startup and immutable afterwards.
type Preset struct {
	Name              string     `json:"name"`
	Sizing            SizingKind `json:"sizing"`
	Amount            float64    `json:"amount,omitempty"`   // FixedAmount
	Fraction          float64    `json:"fraction,omitempty"` // FixedPercentage / VolatilityAdjusted base
	RiskFraction      float64    `json:"risk_fraction,omitempty"`
	WinRate           float64    `json:"win_rate,omitempty"`
	PayoffRatio       float64    `json:"payoff_ratio,omitempty"`
	MaxPositions      int        `json:"max_positions"`
	MaxTotalExposure  float64    `json:"max_total_exposure"`  // fraction of equity
	SinglePositionMax float64    `json:"single_position_max"` // fraction of equity
}

// Validate rejects out-of-range preset values before a manager is built.
func (p Preset) Validate() error {
	switch p.Sizing {
	case SizingFixedAmount:
		if p.Amount <= 0 {
			return fmt.Errorf("preset %s: fixed amount must be positive", p.Name)
		}
	case SizingFixedPercentage, SizingVolatilityAdjusted:
		if p.Fraction <= 0 || p.Fraction > 1 {
			return fmt.Errorf("preset %s: fraction must be in (0,1]", p.Name)
		}
	case SizingRiskBased:
		if p.RiskFraction <= 0 || p.RiskFraction > 0.2 {
			return fmt.Errorf("preset %s: risk fraction must be in (0,0.2]", p.Name)
		}
	case SizingKelly:
		if p.WinRate <= 0 || p.WinRate >= 1 {
			return fmt.Errorf("preset %s: win rate must be in (0,1)", p.Name)
		}
		if p.PayoffRatio <= 0 {
			return fmt.Errorf("preset %s: payoff ratio must be positive", p.Name)
		}
	default:
		return fmt.Errorf("preset %s: unknown sizing kind %q", p.Name, p.Sizing)
	}
	if p.MaxPositions <= 0 {
		return fmt.Errorf("preset %s: max positions must be positive", p.Name)
	}
	if p.MaxTotalExposure <= 0 || p.MaxTotalExposure > 1 {
		return fmt.Errorf("preset %s: max total exposure must be in (0,1]", p.Name)
	}
	if p.SinglePositionMax <= 0 || p.SinglePositionMax > 1 {
		return fmt.Errorf("preset %s: single position max must be in (0,1]", p.Name)
	}
	return nil
}

// Sizer builds the sizing strategy the preset names.
func (p Preset) Sizer() Sizer {
	switch p.Sizing {
	case SizingFixedAmount:
		return FixedAmount{Amount: p.Amount}
	case SizingFixedPercentage:
		return FixedPercentage{Fraction: p.Fraction}
	case SizingRiskBased:
		return RiskBased{RiskFraction: p.RiskFraction}
	case SizingKelly:
		return Kelly{WinRate: p.WinRate, PayoffRatio: p.PayoffRatio}
	case SizingVolatilityAdjusted:
		return VolatilityAdjusted{BaseFraction: p.Fraction}
	default:
		return FixedPercentage{Fraction: 0.1}
	}
}

// sideSign converts a side to its P&L sign.
func sideSign(side market.Side) float64 {
	if side == market.SideShort {
		return -1
	}
	return 1
}
