package indicators

// Metadata describes one indicator family for the configuration surface:
// period, warm-up requirement, and any additional parameters.
type Metadata struct {
	Name   string             `json:"name"`
	Period int                `json:"period"`
	Warmup int                `json:"warmup"`
	Params map[string]float64 `json:"params,omitempty"`
}

// DefaultMetadata lists the enabled indicator families and their parameters.
func DefaultMetadata() []Metadata {
	return []Metadata{
		{Name: "ma5", Period: 5, Warmup: 5},
		{Name: "ma10", Period: 10, Warmup: 10},
		{Name: "ma20", Period: 20, Warmup: 20},
		{Name: "ma60", Period: 60, Warmup: 60},
		{Name: "ma120", Period: 120, Warmup: 120},
		{Name: "ema12", Period: 12, Warmup: 12},
		{Name: "ema26", Period: 26, Warmup: 26},
		{Name: "rsi14", Period: 14, Warmup: 15},
		{Name: "macd", Period: 26, Warmup: 35, Params: map[string]float64{"fast": 12, "slow": 26, "signal": 9}},
		{Name: "bollinger", Period: 20, Warmup: 20, Params: map[string]float64{"stddev": 2}},
		{Name: "atr14", Period: 14, Warmup: 15},
		{Name: "vol_ma5", Period: 5, Warmup: 5},
	}
}
