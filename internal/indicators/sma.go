package indicators

import (
	"fmt"

	"github.com/aristath/quantflow/internal/market"
)

// SMA is a simple moving average over the last n closes, maintained with a
// ring buffer and a running sum. When a close falls off the window its
// contribution is subtracted; no rescan.
type SMA struct {
	name   string
	period int
	window []float64
	head   int
	count  int
	sum    float64
	field  func(market.Bar) float64
}

// NewSMA creates a close-price SMA(n) emitting under the given name
// (e.g. "ma20").
func NewSMA(name string, period int) *SMA {
	return &SMA{
		name:   name,
		period: period,
		window: make([]float64, period),
		field:  func(b market.Bar) float64 { return b.Close },
	}
}

// NewVolumeSMA creates an SMA(n) over bar volume.
func NewVolumeSMA(name string, period int) *SMA {
	s := NewSMA(name, period)
	s.field = func(b market.Bar) float64 { return b.Volume }
	return s
}

// Name returns the emitted value name.
func (s *SMA) Name() string { return s.name }

// Update pushes one bar through the window. Emits sum/n once the window is
// full, absent before that.
func (s *SMA) Update(bar market.Bar) (Values, bool) {
	v := s.field(bar)
	if !finite(v) {
		return nil, false
	}

	if s.count == s.period {
		s.sum -= s.window[s.head]
	} else {
		s.count++
	}
	s.window[s.head] = v
	s.sum += v
	s.head = (s.head + 1) % s.period

	if s.count < s.period {
		return nil, false
	}
	return Values{s.name: s.sum / float64(s.period)}, true
}

// Reset clears all window state.
func (s *SMA) Reset() {
	s.head = 0
	s.count = 0
	s.sum = 0
	for i := range s.window {
		s.window[i] = 0
	}
}

// Warmup returns the number of bars needed before the first emission.
func (s *SMA) Warmup() int { return s.period }

func (s *SMA) String() string {
	return fmt.Sprintf("SMA(%d)", s.period)
}
