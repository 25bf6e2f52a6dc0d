package indicators

import "github.com/aristath/quantflow/internal/market"

// MACD is the moving average convergence/divergence composite. It owns two
// child price EMAs and one EMA over their difference; children are owned
// directly, never shared, so the calculator graph stays acyclic.
//
// Emits three values: the MACD line (fast − slow), the signal line (EMA of
// the line), and the histogram (line − signal). Warm-up is slow + signal.
type MACD struct {
	lineName   string
	signalName string
	histName   string

	fast   ema
	slow   ema
	signal ema
}

// NewMACD creates a MACD(fast, slow, signal) calculator, conventionally
// (12, 26, 9).
func NewMACD(lineName, signalName, histName string, fast, slow, signal int) *MACD {
	return &MACD{
		lineName:   lineName,
		signalName: signalName,
		histName:   histName,
		fast:       newEMACore(fast),
		slow:       newEMACore(slow),
		signal:     newEMACore(signal),
	}
}

// Name returns the line value name.
func (m *MACD) Name() string { return m.lineName }

// Update folds one close into both price EMAs; once the slow EMA has warmed
// up, the difference feeds the signal EMA. Emission starts when the signal
// EMA has warmed up too.
func (m *MACD) Update(bar market.Bar) (Values, bool) {
	if !finite(bar.Close) {
		return nil, false
	}
	fast := m.fast.push(bar.Close)
	slow := m.slow.push(bar.Close)

	if !m.slow.ready() {
		return nil, false
	}

	line := fast - slow
	sig := m.signal.push(line)
	if !m.signal.ready() {
		return nil, false
	}

	return Values{
		m.lineName:   line,
		m.signalName: sig,
		m.histName:   line - sig,
	}, true
}

// Reset clears all child state.
func (m *MACD) Reset() {
	m.fast.reset()
	m.slow.reset()
	m.signal.reset()
}

// Warmup returns slow + signal. The signal EMA takes its first sample on the
// bar where the slow EMA becomes ready, so the first emission comes one bar
// earlier, on bar slow + signal - 1.
func (m *MACD) Warmup() int { return m.slow.period + m.signal.period }
