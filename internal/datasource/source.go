// Package datasource provides the uniform bar+indicator stream the trading
// engine consumes, with a live implementation backed by bus subscriptions
// and a deterministic replay implementation backed by storage.
package datasource

import (
	"context"

	"github.com/aristath/quantflow/internal/market"
)

// Unbounded is the TotalPoints value of sources that never terminate.
const Unbounded = -1

// Message is one item of the merged stream: exactly one of Bar or
// Indicator is set.
type Message struct {
	Topic     string
	Bar       *market.Bar
	Indicator *market.IndicatorRecord
}

// Timestamp returns the message's bar or record timestamp.
func (m Message) Timestamp() int64 {
	if m.Bar != nil {
		return m.Bar.Timestamp
	}
	if m.Indicator != nil {
		return m.Indicator.Timestamp
	}
	return 0
}

// Sink consumes one message; returning an error aborts the run.
type Sink func(msg Message) error

// Source is the abstract data feed. Run delivers messages to the sink in
// non-decreasing timestamp order per key until the stream ends (replay) or
// the context is cancelled (live).
type Source interface {
	Run(ctx context.Context, sink Sink) error

	// TotalPoints is the number of messages a replay will deliver;
	// live sources return Unbounded.
	TotalPoints() int
}
