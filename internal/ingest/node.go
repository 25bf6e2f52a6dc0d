// Package ingest implements the data ingestion node: it keeps a continuous,
// gap-free bar series persisted and published for every configured series
// key, fed by the exchange adapter's history and live-stream interfaces.
package ingest

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/aristath/quantflow/internal/bus"
	"github.com/aristath/quantflow/internal/exchange"
	"github.com/aristath/quantflow/internal/market"
	"github.com/aristath/quantflow/internal/node"
	"github.com/aristath/quantflow/internal/storage"
	"github.com/rs/zerolog"
)

const (
	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 5 * time.Minute

	// degradedThreshold is how many consecutive exchange failures flip the
	// node's status to degraded.
	degradedThreshold = 5
)

// Config configures the ingestion node.
type Config struct {
	Keys           []market.Key
	BackfillWindow time.Duration // how far back the startup gap-fill looks
	Bus            *bus.Bus
	Bars           *storage.BarRepository
	Client         exchange.Client
	Streamer       exchange.Streamer
	Log            zerolog.Logger
	Now            func() time.Time // injectable clock for tests
	ReconnectBase  time.Duration    // override for tests
	DegradeAfter   int              // override for tests
}

// Node pulls live bars from the exchange, persists them, and publishes them
// on the bus. It owns its own run goroutine rather than bus subscriptions,
// so it does not wrap node.Node; it shares the status-topic convention.
type Node struct {
	cfg  Config
	bus  *bus.Bus
	bars *storage.BarRepository
	log  zerolog.Logger
	now  func() time.Time

	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
	started  bool
	failures int
	degraded bool
}

// New creates an ingestion node.
func New(cfg Config) *Node {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = baseReconnectDelay
	}
	if cfg.DegradeAfter <= 0 {
		cfg.DegradeAfter = degradedThreshold
	}
	return &Node{
		cfg:  cfg,
		bus:  cfg.Bus,
		bars: cfg.Bars,
		log:  cfg.Log.With().Str("component", "ingest").Logger(),
		now:  cfg.Now,
		done: make(chan struct{}),
	}
}

// Name identifies the node on status topics.
func (n *Node) Name() string { return "ingest" }

// Start runs the startup gap-fill and then enters the live-stream loop in a
// background goroutine.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return node.ErrAlreadyStarted
	}
	n.started = true
	n.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	go n.run(ctx)
	return nil
}

// Stop cancels the run loop and waits for it to exit.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
		<-n.done
	}
}

// run is the node's main loop: gap-fill, then stream until cancelled,
// reconnecting with exponential backoff and re-filling the outage window.
func (n *Node) run(ctx context.Context) {
	defer close(n.done)

	fillFrom := n.now().Add(-n.cfg.BackfillWindow).Unix()
	n.fillAll(ctx, fillFrom)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		disconnectedAt := n.now().Unix()
		stream, err := n.cfg.Streamer.Stream(ctx, n.cfg.Keys)
		if err != nil {
			n.recordFailure(err)
			attempt++
			if !n.sleep(ctx, n.backoff(attempt)) {
				return
			}
			continue
		}

		attempt = 0
		n.recordSuccess()

		// Cover whatever closed bars were missed while disconnected.
		n.fillAll(ctx, disconnectedAt)

		n.consume(ctx, stream)
		_ = stream.Close()
		n.log.Warn().Msg("Live stream closed, reconnecting")
	}
}

// consume drains one live stream until it closes or the context is
// cancelled.
func (n *Node) consume(ctx context.Context, stream exchange.Stream) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			n.handleEvent(ev)
		}
	}
}

// handleEvent persists and publishes a closed bar, or publishes a partial
// bar on the tick topic only. Partial bars are never persisted.
func (n *Node) handleEvent(ev exchange.StreamEvent) {
	key := ev.Bar.Key()
	if !ev.Closed {
		n.bus.Publish(market.TickTopic(key), ev.Bar)
		return
	}

	if err := ev.Bar.Validate(); err != nil {
		n.log.Warn().Err(err).Str("key", key.String()).Msg("Dropping invalid bar from stream")
		return
	}
	if err := n.bars.Upsert(ev.Bar); err != nil {
		n.log.Error().Err(err).Str("key", key.String()).Msg("Failed to persist bar")
		return
	}
	n.bus.Publish(market.BarTopic(key), ev.Bar)
}

// fillAll runs the gap-fill algorithm for every configured key from the
// given timestamp up to now.
func (n *Node) fillAll(ctx context.Context, from int64) {
	for _, key := range n.cfg.Keys {
		if ctx.Err() != nil {
			return
		}
		if err := n.fillGaps(ctx, key, from, n.now().Unix()); err != nil {
			n.recordFailure(err)
			n.log.Error().Err(err).Str("key", key.String()).Msg("Gap-fill failed")
		} else {
			n.recordSuccess()
		}
	}
}

// fillGaps compares expected bar timestamps against persisted ones and
// fetches each contiguous missing range from the exchange in chunks bounded
// by the adapter's bars-per-request limit. Fetched bars are persisted and
// republished in ascending timestamp order.
func (n *Node) fillGaps(ctx context.Context, key market.Key, from, to int64) error {
	step := key.Timeframe.Seconds()
	if step == 0 {
		return nil
	}
	start := key.Timeframe.Align(from)
	end := key.Timeframe.Align(to) - step // the bar covering "now" is still forming

	have, err := n.bars.Timestamps(key, start, end)
	if err != nil {
		return err
	}

	var missing []int64
	for ts := start; ts <= end; ts += step {
		if !have[ts] {
			missing = append(missing, ts)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	n.log.Info().Str("key", key.String()).Int("missing", len(missing)).Msg("Filling bar gaps")

	for _, chunk := range contiguousRanges(missing, step, exchange.MaxCandlesPerRequest) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bars, err := n.cfg.Client.Candles(ctx, key, chunk.from, chunk.to, exchange.MaxCandlesPerRequest)
		if err != nil {
			return err
		}
		for _, bar := range bars {
			if err := bar.Validate(); err != nil {
				n.log.Warn().Err(err).Msg("Skipping invalid bar from history")
				continue
			}
			if err := n.bars.Upsert(bar); err != nil {
				return err
			}
			n.bus.Publish(market.BarTopic(key), bar)
		}
	}
	return nil
}

// timeRange is one inclusive timestamp range to fetch.
type timeRange struct {
	from, to int64
}

// contiguousRanges groups missing timestamps into inclusive ranges, each
// covering at most maxBars bars.
func contiguousRanges(missing []int64, step int64, maxBars int) []timeRange {
	var out []timeRange
	i := 0
	for i < len(missing) {
		j := i
		for j+1 < len(missing) && missing[j+1] == missing[j]+step && j-i+1 < maxBars {
			j++
		}
		out = append(out, timeRange{from: missing[i], to: missing[j]})
		i = j + 1
	}
	return out
}

// recordFailure counts a consecutive exchange failure and publishes a
// degraded status once the threshold is crossed.
func (n *Node) recordFailure(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures++
	if n.failures >= n.cfg.DegradeAfter && !n.degraded {
		n.degraded = true
		n.bus.Publish(market.StatusTopic(n.Name()), node.StatusMessage{
			Node:      n.Name(),
			Status:    "degraded",
			Detail:    err.Error(),
			Timestamp: n.now().Unix(),
		})
		n.log.Warn().Int("failures", n.failures).Msg("Ingestion degraded")
	}
}

// recordSuccess resets the failure streak and clears degraded status.
func (n *Node) recordSuccess() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = 0
	if n.degraded {
		n.degraded = false
		n.bus.Publish(market.StatusTopic(n.Name()), node.StatusMessage{
			Node:      n.Name(),
			Status:    "running",
			Timestamp: n.now().Unix(),
		})
	}
}

// Degraded reports whether the node is currently degraded.
func (n *Node) Degraded() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.degraded
}

// backoff computes the exponential reconnect delay, capped.
func (n *Node) backoff(attempt int) time.Duration {
	delay := float64(n.cfg.ReconnectBase) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}

// sleep waits for d or until cancellation; reports false when cancelled.
func (n *Node) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
