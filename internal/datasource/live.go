package datasource

import (
	"context"
	"fmt"

	"github.com/aristath/quantflow/internal/bus"
	"github.com/aristath/quantflow/internal/market"
	"github.com/rs/zerolog"
)

// Live adapts bus subscriptions into the Source interface. The sequences
// never terminate; delivery guarantees are those of the bus. Messages from
// all keys funnel through one channel so the sink runs single-threaded.
type Live struct {
	bus  *bus.Bus
	keys []market.Key
	log  zerolog.Logger

	queueDepth int
}

// NewLive creates a live source over the given series keys.
func NewLive(b *bus.Bus, keys []market.Key, log zerolog.Logger) *Live {
	return &Live{
		bus:        b,
		keys:       keys,
		log:        log.With().Str("component", "live_source").Logger(),
		queueDepth: 1024,
	}
}

// TotalPoints reports an unbounded stream.
func (l *Live) TotalPoints() int { return Unbounded }

// Run subscribes to every bar and indicator topic for the configured keys
// and forwards messages to the sink until the context is cancelled.
func (l *Live) Run(ctx context.Context, sink Sink) error {
	msgs := make(chan Message, l.queueDepth)

	var subs []*bus.Subscription
	defer func() {
		for _, sub := range subs {
			l.bus.Unsubscribe(sub)
		}
	}()

	forward := func(msg Message) {
		select {
		case msgs <- msg:
		case <-ctx.Done():
		}
	}

	for _, key := range l.keys {
		barSub, err := l.bus.Subscribe(market.BarTopic(key), func(topic string, payload any) {
			if bar, ok := payload.(market.Bar); ok {
				forward(Message{Topic: topic, Bar: &bar})
			}
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to bars for %s: %w", key, err)
		}
		subs = append(subs, barSub)

		indSub, err := l.bus.Subscribe(market.IndicatorTopic(key), func(topic string, payload any) {
			if rec, ok := payload.(market.IndicatorRecord); ok {
				forward(Message{Topic: topic, Indicator: &rec})
			}
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to indicators for %s: %w", key, err)
		}
		subs = append(subs, indSub)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgs:
			if err := sink(msg); err != nil {
				return err
			}
		}
	}
}
