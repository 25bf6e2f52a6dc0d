package indicators

import "github.com/aristath/quantflow/internal/market"

// RSI is Wilder's relative strength index: smoothed averages of gains and
// losses over close-to-close deltas.
//
//	RSI = 100 - 100/(1 + avgGain/avgLoss)
//
// The averages seed from the simple mean of the first period deltas and are
// smoothed with Wilder's recurrence afterwards. Values outside [0,100] fail
// the bounds check and are emitted as absent.
type RSI struct {
	name      string
	period    int
	prevClose float64
	hasPrev   bool
	avgGain   float64
	avgLoss   float64
	deltas    int // deltas consumed so far
	sumGain   float64
	sumLoss   float64
}

// NewRSI creates an RSI over the given delta period (14 in the default set).
func NewRSI(name string, period int) *RSI {
	return &RSI{name: name, period: period}
}

// Name returns the emitted value name.
func (r *RSI) Name() string { return r.name }

// Update folds one close in. Absent until period deltas have been seen.
func (r *RSI) Update(bar market.Bar) (Values, bool) {
	price := bar.Close
	if !finite(price) {
		return nil, false
	}
	if !r.hasPrev {
		r.prevClose = price
		r.hasPrev = true
		return nil, false
	}

	delta := price - r.prevClose
	r.prevClose = price
	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}
	r.deltas++

	switch {
	case r.deltas < r.period:
		r.sumGain += gain
		r.sumLoss += loss
		return nil, false
	case r.deltas == r.period:
		r.sumGain += gain
		r.sumLoss += loss
		r.avgGain = r.sumGain / float64(r.period)
		r.avgLoss = r.sumLoss / float64(r.period)
	default:
		n := float64(r.period)
		r.avgGain = (r.avgGain*(n-1) + gain) / n
		r.avgLoss = (r.avgLoss*(n-1) + loss) / n
	}

	var rsi float64
	if r.avgLoss == 0 {
		rsi = 100
	} else {
		rsi = 100 - 100/(1+r.avgGain/r.avgLoss)
	}
	if !finite(rsi) || rsi < 0 || rsi > 100 {
		return nil, false
	}
	return Values{r.name: rsi}, true
}

// Reset clears the running state.
func (r *RSI) Reset() {
	r.hasPrev = false
	r.prevClose = 0
	r.avgGain = 0
	r.avgLoss = 0
	r.deltas = 0
	r.sumGain = 0
	r.sumLoss = 0
}

// Warmup returns the number of bars needed before the first emission.
func (r *RSI) Warmup() int { return r.period + 1 }
