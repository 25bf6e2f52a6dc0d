package config

import (
	"fmt"

	"github.com/aristath/quantflow/internal/position"
	"github.com/aristath/quantflow/internal/strategy"
)

// ParamSchema bounds one numeric strategy parameter.
type ParamSchema struct {
	Name    string  `json:"name"`
	Default float64 `json:"default"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Step    float64 `json:"step"`
}

// StrategyDefinition describes one registered strategy for the gateway
// surface: the parameter schema it validates untyped documents against.
type StrategyDefinition struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Params      []ParamSchema `json:"params"`
}

// StrategyDefinitions lists the shipped strategies and their parameter
// schemas. Loaded once at startup; immutable afterwards.
func StrategyDefinitions() []StrategyDefinition {
	return []StrategyDefinition{
		{
			Name:        "dual_ma",
			Description: "Moving-average crossover",
			Params: []ParamSchema{
				{Name: "fast", Default: 5, Min: 5, Max: 60, Step: 5},
				{Name: "slow", Default: 20, Min: 10, Max: 120, Step: 10},
			},
		},
		{
			Name:        "rsi_reversal",
			Description: "RSI extreme fade",
			Params: []ParamSchema{
				{Name: "oversold", Default: 30, Min: 10, Max: 45, Step: 5},
				{Name: "overbought", Default: 70, Min: 55, Max: 90, Step: 5},
			},
		},
		{
			Name:        "bollinger_breakout",
			Description: "Upper-band breakout with mean-reversion exit",
		},
		{
			Name:        "macd_trend",
			Description: "MACD histogram sign flips",
		},
	}
}

// FindStrategy returns the definition for a name.
func FindStrategy(name string) (*StrategyDefinition, error) {
	for _, def := range StrategyDefinitions() {
		if def.Name == name {
			d := def
			return &d, nil
		}
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}

// ValidateParams checks an untyped parameter document against the
// strategy's schema: unknown names and out-of-range values are rejected
// before a task is accepted. Missing parameters fall back to defaults.
func ValidateParams(def *StrategyDefinition, params strategy.Params) error {
	known := make(map[string]ParamSchema, len(def.Params))
	for _, schema := range def.Params {
		known[schema.Name] = schema
	}
	for name, value := range params {
		schema, ok := known[name]
		if !ok {
			return fmt.Errorf("strategy %s has no parameter %q", def.Name, name)
		}
		if value < schema.Min || value > schema.Max {
			return fmt.Errorf("parameter %s=%v outside [%v, %v]", name, value, schema.Min, schema.Max)
		}
	}
	return nil
}

// SizingPresets lists the shipped position presets. Loaded once at
// startup; immutable afterwards.
func SizingPresets() []position.Preset {
	return []position.Preset{
		{
			Name:              "conservative",
			Sizing:            position.SizingFixedPercentage,
			Fraction:          0.05,
			MaxPositions:      3,
			MaxTotalExposure:  0.3,
			SinglePositionMax: 0.1,
		},
		{
			Name:              "balanced",
			Sizing:            position.SizingRiskBased,
			RiskFraction:      0.02,
			MaxPositions:      5,
			MaxTotalExposure:  0.6,
			SinglePositionMax: 0.5,
		},
		{
			Name:              "aggressive",
			Sizing:            position.SizingKelly,
			WinRate:           0.55,
			PayoffRatio:       1.5,
			MaxPositions:      8,
			MaxTotalExposure:  0.9,
			SinglePositionMax: 0.5,
		},
		{
			Name:              "volatility_scaled",
			Sizing:            position.SizingVolatilityAdjusted,
			Fraction:          0.2,
			MaxPositions:      5,
			MaxTotalExposure:  0.8,
			SinglePositionMax: 0.4,
		},
	}
}

// FindPreset returns a validated preset by name.
func FindPreset(name string) (*position.Preset, error) {
	for _, preset := range SizingPresets() {
		if preset.Name == name {
			if err := preset.Validate(); err != nil {
				return nil, err
			}
			p := preset
			return &p, nil
		}
	}
	return nil, fmt.Errorf("unknown position preset %q", name)
}
