package market

import "fmt"

// Topic name helpers. Routing on the bus is by exact match, so every
// publisher and subscriber must build topic strings through these.

// BarTopic is the closed-bar topic for a series key.
func BarTopic(k Key) string {
	return fmt.Sprintf("bar.%s.%s.%s", k.Symbol, k.Timeframe, k.MarketKind)
}

// TickTopic carries partial (in-progress) bars. Tick bars are never
// persisted and never reach strategy evaluation.
func TickTopic(k Key) string {
	return BarTopic(k) + ".tick"
}

// IndicatorTopic is the indicator-record topic for a series key.
func IndicatorTopic(k Key) string {
	return fmt.Sprintf("ind.%s.%s.%s", k.Symbol, k.Timeframe, k.MarketKind)
}

// SignalTopic is the per-strategy, per-symbol signal topic.
func SignalTopic(strategy, symbol string) string {
	return fmt.Sprintf("sig.%s.%s", strategy, symbol)
}

// StatusTopic carries node status messages (degraded, fatal).
func StatusTopic(node string) string {
	return "status." + node
}
