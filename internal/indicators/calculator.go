// Package indicators implements the incremental indicator engine. Every
// calculator is a stateful object that accepts one bar at a time and updates
// its value in O(1), keeping whatever sliding state it needs but never
// rescanning history.
package indicators

import (
	"math"

	"github.com/aristath/quantflow/internal/market"
)

// Version is the semantic version of the indicator engine. Records persisted
// alongside computed values carry this version; readers refuse to mix values
// across major versions.
const Version = "2.1.0"

// Values is the sparse set of named values one calculator emits for a bar.
type Values map[string]float64

// Calculator consumes one bar and emits zero or more named values.
// ok is false while the calculator is warming up or when a bounds check
// rejected the result for this bar.
type Calculator interface {
	Name() string
	Update(bar market.Bar) (Values, bool)
	Reset()
}

// finite reports whether v is a usable number.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
