// Package exchange defines the contract to the exchange adapter. The
// concrete HTTP/WebSocket client is an external collaborator; the platform
// only depends on these interfaces.
package exchange

import (
	"context"

	"github.com/aristath/quantflow/internal/market"
)

// MaxCandlesPerRequest is the adapter's maximum bars per history request.
// Gap-fill chunks its time ranges to honor it.
const MaxCandlesPerRequest = 1000

// Client fetches historical candles from the exchange.
type Client interface {
	// Candles returns closed bars for key with timestamps in [from, to],
	// ascending, at most limit entries.
	Candles(ctx context.Context, key market.Key, from, to int64, limit int) ([]market.Bar, error)
}

// StreamEvent is one message from the live stream: a bar that is either
// closed (final for its period) or partial (still forming).
type StreamEvent struct {
	Bar    market.Bar
	Closed bool
}

// Stream is a live subscription to the exchange's bar feed. Events delivers
// closed and partial bar events in timestamp order per key. The channel closes when the
// connection drops; the consumer reconnects via the Streamer.
type Stream interface {
	Events() <-chan StreamEvent
	Close() error
}

// Streamer opens live streams. Implementations wrap the exchange WebSocket
// client.
type Streamer interface {
	Stream(ctx context.Context, keys []market.Key) (Stream, error)
}
