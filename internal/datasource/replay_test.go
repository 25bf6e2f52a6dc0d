package datasource

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/aristath/quantflow/internal/database"
	"github.com/aristath/quantflow/internal/market"
	"github.com/aristath/quantflow/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var memDBCounter atomic.Int64

func testRepos(t *testing.T) (*storage.BarRepository, *storage.IndicatorRepository) {
	t.Helper()
	path := fmt.Sprintf("file:replay_test_%d?mode=memory&cache=shared", memDBCounter.Add(1))
	db, err := database.New(database.Config{Path: path, Name: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.MigrateMarket(db))

	return storage.NewBarRepository(db, zerolog.Nop()), storage.NewIndicatorRepository(db, zerolog.Nop())
}

func seed(t *testing.T, bars *storage.BarRepository, inds *storage.IndicatorRepository, symbol string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ts := int64(i+1) * 3600
		require.NoError(t, bars.Upsert(market.Bar{
			Symbol: symbol, Timeframe: market.Timeframe1h, MarketKind: market.MarketSpot,
			Timestamp: ts, Open: 100, High: 101, Low: 99, Close: 100, Volume: 10,
		}))
		require.NoError(t, inds.Upsert(market.IndicatorRecord{
			Symbol: symbol, Timeframe: market.Timeframe1h, MarketKind: market.MarketSpot,
			Timestamp: ts, Values: map[string]float64{market.IndRSI14: 50},
		}))
	}
}

func key(symbol string) market.Key {
	return market.Key{Symbol: symbol, Timeframe: market.Timeframe1h, MarketKind: market.MarketSpot}
}

func TestReplayChronologicalMerge(t *testing.T) {
	bars, inds := testRepos(t)
	seed(t, bars, inds, "AAA", 5)
	seed(t, bars, inds, "BBB", 5)

	r := NewReplay(bars, inds, []market.Key{key("AAA"), key("BBB")}, 0, 100*3600, zerolog.Nop())
	assert.Equal(t, 20, r.TotalPoints(), "5 bars + 5 records per key, two keys")

	var msgs []Message
	require.NoError(t, r.Run(context.Background(), func(msg Message) error {
		msgs = append(msgs, msg)
		return nil
	}))
	require.Len(t, msgs, 20)

	// Global chronological order.
	for i := 1; i < len(msgs); i++ {
		assert.GreaterOrEqual(t, msgs[i].Timestamp(), msgs[i-1].Timestamp())
	}

	// At each timestamp: AAA bar, AAA record, BBB bar, BBB record.
	assert.Equal(t, "AAA", msgs[0].Bar.Symbol)
	assert.NotNil(t, msgs[1].Indicator)
	assert.Equal(t, "AAA", msgs[1].Indicator.Symbol)
	assert.Equal(t, "BBB", msgs[2].Bar.Symbol)
}

func TestReplayDeterministicAcrossRuns(t *testing.T) {
	bars, inds := testRepos(t)
	seed(t, bars, inds, "AAA", 8)
	seed(t, bars, inds, "BBB", 8)

	collect := func() []string {
		r := NewReplay(bars, inds, []market.Key{key("AAA"), key("BBB")}, 0, 100*3600, zerolog.Nop())
		var out []string
		require.NoError(t, r.Run(context.Background(), func(msg Message) error {
			out = append(out, fmt.Sprintf("%s@%d", msg.Topic, msg.Timestamp()))
			return nil
		}))
		return out
	}

	first := collect()
	second := collect()
	assert.Equal(t, first, second)
}

func TestReplayWindowBounds(t *testing.T) {
	bars, inds := testRepos(t)
	seed(t, bars, inds, "AAA", 10)

	r := NewReplay(bars, inds, []market.Key{key("AAA")}, 3*3600, 6*3600, zerolog.Nop())
	var timestamps []int64
	require.NoError(t, r.Run(context.Background(), func(msg Message) error {
		timestamps = append(timestamps, msg.Timestamp())
		return nil
	}))

	require.NotEmpty(t, timestamps)
	assert.GreaterOrEqual(t, timestamps[0], int64(3*3600))
	assert.LessOrEqual(t, timestamps[len(timestamps)-1], int64(6*3600))
}

func TestReplayLastPrices(t *testing.T) {
	bars, inds := testRepos(t)
	seed(t, bars, inds, "AAA", 3)

	r := NewReplay(bars, inds, []market.Key{key("AAA")}, 0, 100*3600, zerolog.Nop())
	require.NoError(t, r.Run(context.Background(), func(Message) error { return nil }))

	prices := r.LastPrices()
	assert.InDelta(t, 100, prices["AAA"], 1e-12)
	assert.Equal(t, int64(3*3600), r.LastTimestamp())
}

func TestReplayCancellation(t *testing.T) {
	bars, inds := testRepos(t)
	seed(t, bars, inds, "AAA", 10)

	ctx, cancel := context.WithCancel(context.Background())
	r := NewReplay(bars, inds, []market.Key{key("AAA")}, 0, 100*3600, zerolog.Nop())

	var delivered int
	err := r.Run(ctx, func(Message) error {
		delivered++
		if delivered == 3 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, delivered)
}
