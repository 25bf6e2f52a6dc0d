package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/quantflow/internal/bus"
	"github.com/aristath/quantflow/internal/database"
	"github.com/aristath/quantflow/internal/exchange"
	"github.com/aristath/quantflow/internal/market"
	"github.com/aristath/quantflow/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var memDBCounter atomic.Int64

func testBars(t *testing.T) *storage.BarRepository {
	t.Helper()
	path := fmt.Sprintf("file:ingest_test_%d?mode=memory&cache=shared", memDBCounter.Add(1))
	db, err := database.New(database.Config{Path: path, Name: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.MigrateMarket(db))
	return storage.NewBarRepository(db, zerolog.Nop())
}

func seriesKey() market.Key {
	return market.Key{Symbol: "BTCUSDT", Timeframe: market.Timeframe1h, MarketKind: market.MarketSpot}
}

func mkBar(ts int64) market.Bar {
	return market.Bar{
		Symbol: "BTCUSDT", Timeframe: market.Timeframe1h, MarketKind: market.MarketSpot,
		Timestamp: ts, Open: 100, High: 101, Low: 99, Close: 100, Volume: 10,
	}
}

// fakeClient serves candles from a fixed set and records requests.
type fakeClient struct {
	mu       sync.Mutex
	bars     map[int64]market.Bar
	requests []string
	fail     bool
}

func (f *fakeClient) Candles(ctx context.Context, key market.Key, from, to int64, limit int) ([]market.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("rate limited")
	}
	f.requests = append(f.requests, fmt.Sprintf("%d-%d", from, to))
	var out []market.Bar
	step := key.Timeframe.Seconds()
	for ts := from; ts <= to && len(out) < limit; ts += step {
		if bar, ok := f.bars[ts]; ok {
			out = append(out, bar)
		}
	}
	return out, nil
}

// silentStreamer produces streams with no events.
type silentStreamer struct{}

func (silentStreamer) Stream(ctx context.Context, keys []market.Key) (exchange.Stream, error) {
	s := &fakeStream{events: make(chan exchange.StreamEvent)}
	go func() {
		<-ctx.Done()
		close(s.events)
	}()
	return s, nil
}

type fakeStream struct {
	events chan exchange.StreamEvent
}

func (s *fakeStream) Events() <-chan exchange.StreamEvent { return s.events }
func (s *fakeStream) Close() error                        { return nil }

func TestGapFillFetchesAndPublishesMissingBars(t *testing.T) {
	bars := testBars(t)
	b := bus.New(zerolog.Nop())

	// Timeline: expected bars cover the backfill window; 2 of 6 are
	// already persisted.
	now := time.Unix(10*3600, 0)
	require.NoError(t, bars.Upsert(mkBar(5*3600)))
	require.NoError(t, bars.Upsert(mkBar(7*3600)))

	client := &fakeClient{bars: map[int64]market.Bar{}}
	for ts := int64(4 * 3600); ts <= 9*3600; ts += 3600 {
		client.bars[ts] = mkBar(ts)
	}

	var mu sync.Mutex
	var published []int64
	_, err := b.Subscribe(market.BarTopic(seriesKey()), func(_ string, payload any) {
		if bar, ok := payload.(market.Bar); ok {
			mu.Lock()
			published = append(published, bar.Timestamp)
			mu.Unlock()
		}
	})
	require.NoError(t, err)

	n := New(Config{
		Keys:           []market.Key{seriesKey()},
		BackfillWindow: 6 * time.Hour,
		Bus:            b,
		Bars:           bars,
		Client:         client,
		Streamer:       silentStreamer{},
		Log:            zerolog.Nop(),
		Now:            func() time.Time { return now },
	})
	require.NoError(t, n.fillGaps(context.Background(), seriesKey(), now.Add(-6*time.Hour).Unix(), now.Unix()))

	// Window [4h, 10h): expected 4h..9h, have 5h and 7h -> fetch 4h, 6h, 8h, 9h.
	have, err := bars.Timestamps(seriesKey(), 4*3600, 9*3600)
	require.NoError(t, err)
	for ts := int64(4 * 3600); ts <= 9*3600; ts += 3600 {
		assert.True(t, have[ts], "bar at %d should be persisted", ts)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := len(published)
		mu.Unlock()
		if got == 4 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{4 * 3600, 6 * 3600, 8 * 3600, 9 * 3600}, published,
		"only the previously missing bars are republished, ascending")
}

func TestContiguousRangesChunking(t *testing.T) {
	missing := []int64{0, 3600, 7200, 14400, 18000}
	ranges := contiguousRanges(missing, 3600, 1000)
	require.Len(t, ranges, 2)
	assert.Equal(t, timeRange{0, 7200}, ranges[0])
	assert.Equal(t, timeRange{14400, 18000}, ranges[1])

	// Chunk cap splits a long contiguous run.
	long := make([]int64, 10)
	for i := range long {
		long[i] = int64(i) * 3600
	}
	capped := contiguousRanges(long, 3600, 4)
	require.Len(t, capped, 3)
	assert.Equal(t, timeRange{0, 3 * 3600}, capped[0])
}

func TestClosedBarsPersistPartialBarsDoNot(t *testing.T) {
	bars := testBars(t)
	b := bus.New(zerolog.Nop())

	var mu sync.Mutex
	var tickCount, barCount int
	_, err := b.Subscribe(market.TickTopic(seriesKey()), func(string, any) {
		mu.Lock()
		tickCount++
		mu.Unlock()
	})
	require.NoError(t, err)
	_, err = b.Subscribe(market.BarTopic(seriesKey()), func(string, any) {
		mu.Lock()
		barCount++
		mu.Unlock()
	})
	require.NoError(t, err)

	n := New(Config{
		Keys:     []market.Key{seriesKey()},
		Bus:      b,
		Bars:     bars,
		Client:   &fakeClient{},
		Streamer: silentStreamer{},
		Log:      zerolog.Nop(),
	})

	n.handleEvent(exchange.StreamEvent{Bar: mkBar(3600), Closed: false})
	n.handleEvent(exchange.StreamEvent{Bar: mkBar(3600), Closed: true})

	count, err := bars.Count(seriesKey())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "only the closed bar is persisted")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := tickCount == 1 && barCount == 1
		mu.Unlock()
		if done {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected one tick and one closed-bar publish")
}

func TestDegradedStatusAfterConsecutiveFailures(t *testing.T) {
	bars := testBars(t)
	b := bus.New(zerolog.Nop())

	statuses := make(chan any, 4)
	_, err := b.Subscribe(market.StatusTopic("ingest"), func(_ string, payload any) {
		statuses <- payload
	})
	require.NoError(t, err)

	n := New(Config{
		Keys:         []market.Key{seriesKey()},
		Bus:          b,
		Bars:         bars,
		Client:       &fakeClient{fail: true},
		Streamer:     silentStreamer{},
		Log:          zerolog.Nop(),
		DegradeAfter: 3,
	})

	for i := 0; i < 3; i++ {
		n.recordFailure(errors.New("rate limited"))
	}
	assert.True(t, n.Degraded())

	select {
	case <-statuses:
	case <-time.After(time.Second):
		t.Fatal("no degraded status published")
	}

	// Recovery clears the streak.
	n.recordSuccess()
	assert.False(t, n.Degraded())
}
