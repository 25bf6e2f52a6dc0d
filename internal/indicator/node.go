// Package indicator implements the indicator computation node: it consumes
// closed bars, maintains one calculator set per series key, and persists and
// publishes the resulting indicator records.
package indicator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/quantflow/internal/bus"
	"github.com/aristath/quantflow/internal/indicators"
	"github.com/aristath/quantflow/internal/market"
	"github.com/aristath/quantflow/internal/node"
	"github.com/aristath/quantflow/internal/storage"
	"github.com/rs/zerolog"
)

// Latency thresholds for the whole-set apply path.
const (
	latencyWarn     = 30 * time.Millisecond
	latencyCritical = 50 * time.Millisecond
	latencyWindow   = 512 // samples kept for the p99 estimate
)

// Config configures the indicator node.
type Config struct {
	Keys       []market.Key
	Bus        *bus.Bus
	Bars       *storage.BarRepository
	Indicators *storage.IndicatorRepository
	Log        zerolog.Logger
}

// Handler is the node.Handler processing bar messages. Calculator state is
// owned exclusively by this handler's delivery goroutines: the bus delivers
// each topic's messages serially, and each series key maps to exactly one
// topic.
type Handler struct {
	bars       *storage.BarRepository
	indicators *storage.IndicatorRepository
	busRef     *bus.Bus
	log        zerolog.Logger

	mu        sync.Mutex
	sets      map[market.Key]*indicators.Set
	latencies []time.Duration
	latIdx    int
	observed  uint64
}

// New creates the indicator node wrapped in its runtime lifecycle, already
// declared on every configured bar topic.
func New(cfg Config) *node.Node {
	h := &Handler{
		bars:       cfg.Bars,
		indicators: cfg.Indicators,
		busRef:     cfg.Bus,
		log:        cfg.Log.With().Str("component", "indicator_node").Logger(),
		sets:       make(map[market.Key]*indicators.Set),
		latencies:  make([]time.Duration, 0, latencyWindow),
	}
	topics := make([]string, 0, len(cfg.Keys))
	for _, key := range cfg.Keys {
		topics = append(topics, market.BarTopic(key))
	}
	return node.New(node.Config{
		Handler: h,
		Bus:     cfg.Bus,
		Topics:  topics,
		Log:     cfg.Log,
	})
}

// Name identifies the node.
func (h *Handler) Name() string { return "indicator" }

// Process handles one closed bar: lazy-initialize the key's calculator set
// with a warm-up from storage, apply the bar, persist, publish.
func (h *Handler) Process(topic string, payload any) error {
	bar, ok := payload.(market.Bar)
	if !ok {
		return fmt.Errorf("unexpected payload type %T on %s", payload, topic)
	}

	set, err := h.setFor(bar.Key())
	if err != nil {
		return err
	}

	start := time.Now()
	rec := set.Apply(bar)
	h.observeLatency(time.Since(start))

	if err := h.indicators.Upsert(rec); err != nil {
		return err
	}
	h.busRef.Publish(market.IndicatorTopic(bar.Key()), rec)
	return nil
}

// setFor returns the calculator set for a key, warming a fresh one from the
// most recent historical bars on first use. After warm-up the node never
// reads history again for that key.
func (h *Handler) setFor(key market.Key) (*indicators.Set, error) {
	h.mu.Lock()
	set, ok := h.sets[key]
	h.mu.Unlock()
	if ok {
		return set, nil
	}

	history, err := h.bars.Recent(key, indicators.WarmupDepth())
	if err != nil {
		return nil, fmt.Errorf("failed to load warm-up history for %s: %w", key, err)
	}

	set = indicators.NewSet(key)
	set.WarmUp(history)
	h.log.Info().Str("key", key.String()).Int("bars", len(history)).Msg("Calculator set warmed up")

	h.mu.Lock()
	// Another delivery goroutine may have won the race for a different
	// topic; keys map 1:1 to topics, so the same key cannot race itself.
	if existing, ok := h.sets[key]; ok {
		set = existing
	} else {
		h.sets[key] = set
	}
	h.mu.Unlock()
	return set, nil
}

// observeLatency records one apply duration and logs when the p99 over the
// sliding window crosses the warning or critical budget.
func (h *Handler) observeLatency(d time.Duration) {
	h.mu.Lock()
	if len(h.latencies) < latencyWindow {
		h.latencies = append(h.latencies, d)
	} else {
		h.latencies[h.latIdx] = d
		h.latIdx = (h.latIdx + 1) % latencyWindow
	}
	h.observed++
	// The p99 check only runs every 128 bars; sorting the window on every
	// bar would dominate the budget it measures.
	if len(h.latencies) < 100 || h.observed%128 != 0 {
		h.mu.Unlock()
		return
	}
	sorted := make([]time.Duration, len(h.latencies))
	copy(sorted, h.latencies)
	h.mu.Unlock()

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	p99 := sorted[len(sorted)*99/100]

	switch {
	case p99 > latencyCritical:
		h.log.Error().Dur("p99", p99).Msg("Indicator latency above critical budget")
	case p99 > latencyWarn:
		h.log.Warn().Dur("p99", p99).Msg("Indicator latency above warning budget")
	}
}
