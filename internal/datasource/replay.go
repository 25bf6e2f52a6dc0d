package datasource

import (
	"context"
	"fmt"

	"github.com/aristath/quantflow/internal/market"
	"github.com/aristath/quantflow/internal/storage"
	"github.com/rs/zerolog"
)

// Replay preloads bars and indicator records for the requested keys in
// [start, end] and merges them into a single deterministic chronological
// stream. The clock never advances beyond message timestamps; the stream
// terminates at the end of the data.
//
// Merge order: strictly non-decreasing timestamp; at equal timestamps keys
// follow the request order, and within a key the bar precedes its indicator
// record. Identical inputs therefore produce an identical stream.
type Replay struct {
	keys    []market.Key
	start   int64
	end     int64
	bars    *storage.BarRepository
	inds    *storage.IndicatorRepository
	log     zerolog.Logger
	preload []Message
	loaded  bool
}

// NewReplay creates a replay source. Preload is lazy: the first call to
// TotalPoints or Run loads the data.
func NewReplay(bars *storage.BarRepository, inds *storage.IndicatorRepository, keys []market.Key, start, end int64, log zerolog.Logger) *Replay {
	return &Replay{
		keys:  keys,
		start: start,
		end:   end,
		bars:  bars,
		inds:  inds,
		log:   log.With().Str("component", "replay_source").Logger(),
	}
}

// load merges the per-key series into the final stream. Each key's bars and
// records are individually timestamp-ascending, so an N-way merge by
// (timestamp, key order, bar-before-indicator) suffices.
func (r *Replay) load() error {
	if r.loaded {
		return nil
	}

	type cursor struct {
		msgs []Message
		pos  int
	}
	cursors := make([]*cursor, 0, len(r.keys))

	for _, key := range r.keys {
		bars, err := r.bars.Range(key, r.start, r.end)
		if err != nil {
			return fmt.Errorf("failed to preload bars for %s: %w", key, err)
		}
		recs, err := r.inds.Range(key, r.start, r.end)
		if err != nil {
			return fmt.Errorf("failed to preload indicators for %s: %w", key, err)
		}

		// Zip one key's bars and records: bar first at equal timestamps.
		msgs := make([]Message, 0, len(bars)+len(recs))
		bi, ri := 0, 0
		for bi < len(bars) || ri < len(recs) {
			switch {
			case ri >= len(recs):
				bar := bars[bi]
				msgs = append(msgs, Message{Topic: market.BarTopic(key), Bar: &bar})
				bi++
			case bi >= len(bars):
				rec := recs[ri]
				msgs = append(msgs, Message{Topic: market.IndicatorTopic(key), Indicator: &rec})
				ri++
			case bars[bi].Timestamp <= recs[ri].Timestamp:
				bar := bars[bi]
				msgs = append(msgs, Message{Topic: market.BarTopic(key), Bar: &bar})
				bi++
			default:
				rec := recs[ri]
				msgs = append(msgs, Message{Topic: market.IndicatorTopic(key), Indicator: &rec})
				ri++
			}
		}
		cursors = append(cursors, &cursor{msgs: msgs})
	}

	// N-way merge across keys, preserving request order at ties.
	var merged []Message
	for {
		best := -1
		var bestTS int64
		for i, c := range cursors {
			if c.pos >= len(c.msgs) {
				continue
			}
			ts := c.msgs[c.pos].Timestamp()
			if best == -1 || ts < bestTS {
				best = i
				bestTS = ts
			}
		}
		if best == -1 {
			break
		}
		merged = append(merged, cursors[best].msgs[cursors[best].pos])
		cursors[best].pos++
	}

	r.preload = merged
	r.loaded = true
	r.log.Info().Int("messages", len(merged)).Int("keys", len(r.keys)).Msg("Replay data preloaded")
	return nil
}

// TotalPoints returns the number of messages the replay will deliver.
func (r *Replay) TotalPoints() int {
	if err := r.load(); err != nil {
		r.log.Error().Err(err).Msg("Failed to preload replay data")
		return 0
	}
	return len(r.preload)
}

// Run delivers the preloaded stream to the sink, observing cancellation
// between messages.
func (r *Replay) Run(ctx context.Context, sink Sink) error {
	if err := r.load(); err != nil {
		return err
	}
	for _, msg := range r.preload {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink(msg); err != nil {
			return err
		}
	}
	return nil
}

// LastPrices returns the close of the final bar per symbol, used by the
// engine to settle open positions at the end of a replay.
func (r *Replay) LastPrices() map[string]float64 {
	prices := make(map[string]float64)
	for _, msg := range r.preload {
		if msg.Bar != nil {
			prices[msg.Bar.Symbol] = msg.Bar.Close
		}
	}
	return prices
}

// LastTimestamp returns the timestamp of the final message, or 0.
func (r *Replay) LastTimestamp() int64 {
	if len(r.preload) == 0 {
		return 0
	}
	return r.preload[len(r.preload)-1].Timestamp()
}
