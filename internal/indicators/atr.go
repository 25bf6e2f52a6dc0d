package indicators

import (
	"math"

	"github.com/aristath/quantflow/internal/market"
)

// ATR is the average true range: a smoothed average of the true range
//
//	TR = max(high − low, |high − prevClose|, |low − prevClose|)
//
// smoothed with the EMA recurrence. ATR is non-negative by construction; a
// negative or non-finite result fails the bounds check.
type ATR struct {
	name      string
	core      ema
	prevClose float64
	hasPrev   bool
}

// NewATR creates an ATR over the given smoothing period (14 in the default
// set).
func NewATR(name string, period int) *ATR {
	return &ATR{name: name, core: newEMACore(period)}
}

// Name returns the emitted value name.
func (a *ATR) Name() string { return a.name }

// Update folds one bar's true range in. The first bar only primes prevClose.
func (a *ATR) Update(bar market.Bar) (Values, bool) {
	if !finite(bar.High) || !finite(bar.Low) || !finite(bar.Close) {
		return nil, false
	}
	if !a.hasPrev {
		a.prevClose = bar.Close
		a.hasPrev = true
		return nil, false
	}

	tr := bar.High - bar.Low
	if d := math.Abs(bar.High - a.prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(bar.Low - a.prevClose); d > tr {
		tr = d
	}
	a.prevClose = bar.Close

	atr := a.core.push(tr)
	if !a.core.ready() {
		return nil, false
	}
	if !finite(atr) || atr < 0 {
		return nil, false
	}
	return Values{a.name: atr}, true
}

// Reset clears the running state.
func (a *ATR) Reset() {
	a.core.reset()
	a.prevClose = 0
	a.hasPrev = false
}

// Warmup returns the number of bars needed before the first emission.
func (a *ATR) Warmup() int { return a.core.period + 1 }
