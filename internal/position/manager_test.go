package position

import (
	"testing"

	"github.com/aristath/quantflow/internal/market"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPreset() Preset {
	return Preset{
		Name:              "balanced",
		Sizing:            SizingRiskBased,
		RiskFraction:      0.02,
		MaxPositions:      5,
		MaxTotalExposure:  0.6,
		SinglePositionMax: 0.5,
	}
}

func openSignal(price, stop float64) *market.Signal {
	sig := market.NewSignal("dual_ma", "BTCUSDT", 1000, price, market.OpenLong, "test entry")
	if stop > 0 {
		sig.StopLoss = &stop
	}
	return sig
}

func TestRiskBasedSizingScenario(t *testing.T) {
	// Spec scenario: equity=10000, risk=0.02, price=50000, stop=49000.
	// Raw = 200 / 0.02 = 10000, capped at 0.5*equity = 5000.
	m := NewManager(10000, testPreset(), zerolog.Nop())

	pos, err := m.Open(openSignal(50000, 49000), 0)
	require.NoError(t, err)

	assert.InDelta(t, 5000, pos.USDAmount, 1e-9)
	assert.InDelta(t, 0.1, pos.Quantity, 1e-12)
	assert.InDelta(t, 5000, m.Cash(), 1e-9)
}

func TestRiskBasedFallbackWithoutStop(t *testing.T) {
	m := NewManager(10000, testPreset(), zerolog.Nop())

	pos, err := m.Open(openSignal(50000, 0), 0)
	require.NoError(t, err)
	assert.InDelta(t, 1000, pos.USDAmount, 1e-9, "no stop falls back to 10%% of equity")
}

func TestCloseAccountingInvariant(t *testing.T) {
	// cash_after = cash_before + size + pnl
	m := NewManager(10000, testPreset(), zerolog.Nop())

	pos, err := m.Open(openSignal(100, 98), 0)
	require.NoError(t, err)

	cashBefore := m.Cash()
	exit := market.NewSignal("dual_ma", "BTCUSDT", 2000, 110, market.CloseLong, "test exit")
	trade, err := m.Close(exit)
	require.NoError(t, err)

	expectedPnL := (110 - 100) * pos.Quantity
	assert.InDelta(t, expectedPnL, trade.PnL, 1e-9)
	assert.InDelta(t, cashBefore+pos.USDAmount+trade.PnL, m.Cash(), 1e-9)
	assert.Empty(t, m.Positions())
}

func TestShortPnLIsReversed(t *testing.T) {
	m := NewManager(10000, testPreset(), zerolog.Nop())

	sig := market.NewSignal("dual_ma", "BTCUSDT", 1000, 100, market.OpenShort, "short entry")
	stop := 102.0
	sig.StopLoss = &stop
	pos, err := m.Open(sig, 0)
	require.NoError(t, err)

	exit := market.NewSignal("dual_ma", "BTCUSDT", 2000, 90, market.CloseShort, "short exit")
	trade, err := m.Close(exit)
	require.NoError(t, err)
	assert.InDelta(t, (100-90)*pos.Quantity, trade.PnL, 1e-9, "short profits when price falls")
}

func TestMaxPositionsRejected(t *testing.T) {
	preset := testPreset()
	preset.MaxPositions = 1
	m := NewManager(10000, preset, zerolog.Nop())

	_, err := m.Open(openSignal(100, 98), 0)
	require.NoError(t, err)

	sig := market.NewSignal("dual_ma", "ETHUSDT", 1000, 100, market.OpenLong, "second entry")
	_, err = m.Open(sig, 0)
	assert.ErrorIs(t, err, ErrMaxPositions)
}

func TestExposureLimitHolds(t *testing.T) {
	preset := Preset{
		Name:              "tight",
		Sizing:            SizingFixedPercentage,
		Fraction:          0.3,
		MaxPositions:      10,
		MaxTotalExposure:  0.5,
		SinglePositionMax: 0.4,
	}
	m := NewManager(10000, preset, zerolog.Nop())

	symbols := []string{"A", "B", "C", "D", "E"}
	for _, sym := range symbols {
		sig := market.NewSignal("s", sym, 1000, 100, market.OpenLong, "entry")
		_, err := m.Open(sig, 0)
		if err != nil {
			assert.ErrorIs(t, err, ErrExposureExhausted)
			continue
		}
		equity := m.Equity()
		assert.LessOrEqual(t, m.Exposure(), preset.MaxTotalExposure*equity+1e-9,
			"total exposure must never exceed the limit")
	}
}

func TestSinglePositionCapHolds(t *testing.T) {
	preset := Preset{
		Name:              "capped",
		Sizing:            SizingFixedPercentage,
		Fraction:          0.9,
		MaxPositions:      5,
		MaxTotalExposure:  1.0,
		SinglePositionMax: 0.25,
	}
	m := NewManager(10000, preset, zerolog.Nop())

	pos, err := m.Open(openSignal(100, 0), 0)
	require.NoError(t, err)
	assert.InDelta(t, 2500, pos.USDAmount, 1e-9, "raw 90%% reduced to the 25%% single-position cap")
}

func TestRemainingCapacityBelowHalfRejects(t *testing.T) {
	preset := Preset{
		Name:              "tight",
		Sizing:            SizingFixedPercentage,
		Fraction:          0.4,
		MaxPositions:      10,
		MaxTotalExposure:  0.5,
		SinglePositionMax: 0.5,
	}
	m := NewManager(10000, preset, zerolog.Nop())

	// First open takes 4000 of the 5000 capacity.
	_, err := m.Open(openSignal(100, 0), 0)
	require.NoError(t, err)

	// Second raw is 4000 but only 1000 remains: 1000 < 2000 rejects.
	sig := market.NewSignal("dual_ma", "ETHUSDT", 1000, 100, market.OpenLong, "entry")
	_, err = m.Open(sig, 0)
	assert.ErrorIs(t, err, ErrExposureExhausted)
}

func TestCloseWithoutPositionFails(t *testing.T) {
	m := NewManager(10000, testPreset(), zerolog.Nop())
	exit := market.NewSignal("dual_ma", "BTCUSDT", 2000, 110, market.CloseLong, "exit")
	_, err := m.Close(exit)
	assert.ErrorIs(t, err, ErrNoPosition)
}

func TestCloseAllIsDeterministic(t *testing.T) {
	prices := map[string]float64{"A": 110, "B": 90, "C": 100}
	var first []Trade
	for run := 0; run < 5; run++ {
		m := NewManager(10000, Preset{
			Name: "p", Sizing: SizingFixedPercentage, Fraction: 0.1,
			MaxPositions: 10, MaxTotalExposure: 1.0, SinglePositionMax: 0.5,
		}, zerolog.Nop())
		for _, sym := range []string{"C", "A", "B"} {
			sig := market.NewSignal("s", sym, 1000, 100, market.OpenLong, "entry")
			_, err := m.Open(sig, 0)
			require.NoError(t, err)
		}
		closed := m.CloseAll(prices, 2000, "end of replay")
		require.Len(t, closed, 3)
		if run == 0 {
			first = closed
			continue
		}
		assert.Equal(t, first, closed, "close order and P&L must not vary between runs")
	}
}

func TestKellySizingClamps(t *testing.T) {
	// Strongly negative edge still commits the 1% floor.
	low := Kelly{WinRate: 0.2, PayoffRatio: 1}
	assert.InDelta(t, 100, low.Size(SizingInput{Equity: 10000}), 1e-9)

	// Huge edge is clamped at 25%.
	high := Kelly{WinRate: 0.95, PayoffRatio: 5}
	assert.InDelta(t, 2500, high.Size(SizingInput{Equity: 10000}), 1e-9)
}

func TestFixedAmountNeverExceedsHalfEquity(t *testing.T) {
	s := FixedAmount{Amount: 8000}
	assert.InDelta(t, 5000, s.Size(SizingInput{Equity: 10000}), 1e-9)
}

func TestVolatilityAdjustedShrinksWithATR(t *testing.T) {
	s := VolatilityAdjusted{BaseFraction: 0.2}
	calm := s.Size(SizingInput{Equity: 10000, Price: 100, ATR: 0.5})
	wild := s.Size(SizingInput{Equity: 10000, Price: 100, ATR: 5})
	assert.Greater(t, calm, wild)
	assert.InDelta(t, 2000/(1+20*0.05), calm, 1e-9)
}

func TestPresetValidation(t *testing.T) {
	bad := testPreset()
	bad.MaxTotalExposure = 1.5
	assert.Error(t, bad.Validate())

	bad = testPreset()
	bad.RiskFraction = 0
	assert.Error(t, bad.Validate())

	assert.NoError(t, testPreset().Validate())
}
