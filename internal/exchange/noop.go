package exchange

import (
	"context"

	"github.com/aristath/quantflow/internal/market"
)

// Noop is the stand-in adapter used until a real exchange client is
// configured: history requests return nothing and the live stream stays
// silent until cancelled. Ingestion runs but produces no data.
type Noop struct{}

// Candles returns no bars.
func (Noop) Candles(ctx context.Context, key market.Key, from, to int64, limit int) ([]market.Bar, error) {
	return nil, nil
}

// Stream returns a silent stream that closes on cancellation.
func (Noop) Stream(ctx context.Context, keys []market.Key) (Stream, error) {
	s := &noopStream{events: make(chan StreamEvent)}
	go func() {
		<-ctx.Done()
		close(s.events)
	}()
	return s, nil
}

type noopStream struct {
	events chan StreamEvent
}

func (s *noopStream) Events() <-chan StreamEvent { return s.events }
func (s *noopStream) Close() error               { return nil }
