package engine

import (
	"context"
	"testing"

	"github.com/aristath/quantflow/internal/datasource"
	"github.com/aristath/quantflow/internal/market"
	"github.com/aristath/quantflow/internal/position"
	"github.com/aristath/quantflow/internal/strategy"
	"github.com/aristath/quantflow/internal/tasks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSource replays a fixed message slice.
type scriptedSource struct {
	msgs []datasource.Message
}

func (s *scriptedSource) TotalPoints() int { return len(s.msgs) }

func (s *scriptedSource) Run(ctx context.Context, sink datasource.Sink) error {
	for _, msg := range s.msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink(msg); err != nil {
			return err
		}
	}
	return nil
}

func bar(ts int64, price float64) market.Bar {
	return market.Bar{
		Symbol:     "BTCUSDT",
		Timeframe:  market.Timeframe1h,
		MarketKind: market.MarketSpot,
		Timestamp:  ts,
		Open:       price,
		High:       price,
		Low:        price,
		Close:      price,
		Volume:     100,
	}
}

func record(ts int64, fast, slow float64) market.IndicatorRecord {
	return market.IndicatorRecord{
		Symbol:     "BTCUSDT",
		Timeframe:  market.Timeframe1h,
		MarketKind: market.MarketSpot,
		Timestamp:  ts,
		Values:     map[string]float64{market.IndMA5: fast, market.IndMA20: slow},
	}
}

// crossoverScript produces: bar0 (no cross), bar1 with an up-cross that
// opens a long at 100, bar2 at 110 where the replay closes the position.
func crossoverScript() []datasource.Message {
	key := market.Key{Symbol: "BTCUSDT", Timeframe: market.Timeframe1h, MarketKind: market.MarketSpot}
	barTopic := market.BarTopic(key)
	indTopic := market.IndicatorTopic(key)

	bars := []market.Bar{bar(3600, 100), bar(7200, 100), bar(10800, 110)}
	recs := []market.IndicatorRecord{
		record(3600, 99, 100),  // fast below slow
		record(7200, 101, 100), // cross up -> OPEN_LONG at 100
		record(10800, 102, 100),
	}

	var msgs []datasource.Message
	for i := range bars {
		b, r := bars[i], recs[i]
		msgs = append(msgs,
			datasource.Message{Topic: barTopic, Bar: &b},
			datasource.Message{Topic: indTopic, Indicator: &r},
		)
	}
	return msgs
}

func fixedUnitPreset() position.Preset {
	// FixedAmount 100 at price 100 books exactly one unit.
	return position.Preset{
		Name:              "one_unit",
		Sizing:            position.SizingFixedAmount,
		Amount:            100,
		MaxPositions:      5,
		MaxTotalExposure:  1.0,
		SinglePositionMax: 0.5,
	}
}

func runBacktest(t *testing.T) *Result {
	t.Helper()
	strat, err := strategy.New("dual_ma", nil)
	require.NoError(t, err)

	mgr := position.NewManager(1000, fixedUnitPreset(), zerolog.Nop())
	eng := New(Config{
		Mode:     ModeReplay,
		Strategy: strat,
		Manager:  mgr,
		Source:   &scriptedSource{msgs: crossoverScript()},
		Log:      zerolog.Nop(),
	})

	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	return result
}

func TestBacktestDeterministicClose(t *testing.T) {
	// Spec scenario: dual-MA opens LONG at bar price 100, the replay
	// closes at the final bar price 110, size one unit, no fees.
	result := runBacktest(t)

	assert.Equal(t, 1, result.TotalTrades)
	assert.Equal(t, 1, result.WinningTrades)
	assert.InDelta(t, 10, result.RealizedPnL, 1e-9)
	assert.InDelta(t, result.InitialEquity+10, result.FinalEquity, 1e-9)
	assert.InDelta(t, 1.0, result.WinRate, 1e-12)

	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.InDelta(t, 100, trade.EntryPrice, 1e-9)
	assert.InDelta(t, 110, trade.ExitPrice, 1e-9)
	assert.InDelta(t, 1, trade.Quantity, 1e-12)
}

func TestReplayDeterminism(t *testing.T) {
	// Identical inputs must produce identical bundles.
	first := runBacktest(t)
	second := runBacktest(t)
	assert.Equal(t, first, second)
}

func TestProgressTrackerTicksPerMessage(t *testing.T) {
	strat, err := strategy.New("dual_ma", nil)
	require.NoError(t, err)

	src := &scriptedSource{msgs: crossoverScript()}
	var reported []int
	tracker := tasks.NewProgressTracker(src.TotalPoints(), 0, 1000, func(percent int) {
		reported = append(reported, percent)
	})

	mgr := position.NewManager(1000, fixedUnitPreset(), zerolog.Nop())
	eng := New(Config{
		Mode:     ModeReplay,
		Strategy: strat,
		Manager:  mgr,
		Source:   src,
		Tracker:  tracker,
		Log:      zerolog.Nop(),
	})
	_, err = eng.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, src.TotalPoints(), tracker.Processed())
	require.NotEmpty(t, reported)
	assert.Equal(t, 100, reported[len(reported)-1])
}

func TestCancelledRunStops(t *testing.T) {
	strat, err := strategy.New("dual_ma", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mgr := position.NewManager(1000, fixedUnitPreset(), zerolog.Nop())
	eng := New(Config{
		Mode:     ModeReplay,
		Strategy: strat,
		Manager:  mgr,
		Source:   &scriptedSource{msgs: crossoverScript()},
		Log:      zerolog.Nop(),
	})

	result, err := eng.Run(ctx)
	require.NoError(t, err, "cancellation is not an error; the run settles what it has")
	assert.NotNil(t, result)
}
