package indicators

import (
	"math"

	"github.com/aristath/quantflow/internal/market"
)

// Bollinger maintains bands over the last n closes using a ring buffer with
// running Σx and Σx². Variance is computed as Σx²/n − mean² and clamped at
// zero: with incremental subtraction the difference can drift a hair
// negative in floating point.
type Bollinger struct {
	upperName  string
	middleName string
	lowerName  string
	period     int
	mult       float64

	window []float64
	head   int
	count  int
	sum    float64
	sumSq  float64
}

// NewBollinger creates Bollinger(n, k) bands, conventionally (20, 2).
func NewBollinger(upperName, middleName, lowerName string, period int, mult float64) *Bollinger {
	return &Bollinger{
		upperName:  upperName,
		middleName: middleName,
		lowerName:  lowerName,
		period:     period,
		mult:       mult,
		window:     make([]float64, period),
	}
}

// Name returns the middle-band value name.
func (b *Bollinger) Name() string { return b.middleName }

// Update pushes one close through the window.
func (b *Bollinger) Update(bar market.Bar) (Values, bool) {
	v := bar.Close
	if !finite(v) {
		return nil, false
	}

	if b.count == b.period {
		old := b.window[b.head]
		b.sum -= old
		b.sumSq -= old * old
	} else {
		b.count++
	}
	b.window[b.head] = v
	b.sum += v
	b.sumSq += v * v
	b.head = (b.head + 1) % b.period

	if b.count < b.period {
		return nil, false
	}

	n := float64(b.period)
	mean := b.sum / n
	variance := b.sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	dev := b.mult * math.Sqrt(variance)

	return Values{
		b.upperName:  mean + dev,
		b.middleName: mean,
		b.lowerName:  mean - dev,
	}, true
}

// Reset clears all window state.
func (b *Bollinger) Reset() {
	b.head = 0
	b.count = 0
	b.sum = 0
	b.sumSq = 0
	for i := range b.window {
		b.window[i] = 0
	}
}

// Warmup returns the number of bars needed before the first emission.
func (b *Bollinger) Warmup() int { return b.period }
