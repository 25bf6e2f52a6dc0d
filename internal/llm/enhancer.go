// Package llm defines the optional signal-enhancement side channel. The
// concrete model client is an external collaborator; strategies only see the
// Enhancer capability, and its absence or failure never blocks a trade
// decision.
package llm

import (
	"context"
	"time"

	"github.com/aristath/quantflow/internal/market"
)

// DefaultTimeout bounds one enhancement call.
const DefaultTimeout = 5 * time.Second

// Decision is the model's judgement on a proposed signal.
type Decision struct {
	Approve    bool
	Reasoning  string
	Confidence float64
	Model      string
	RiskTier   string
}

// Enhancer reviews a proposed signal. Implementations must respect the
// context deadline.
type Enhancer interface {
	Enhance(ctx context.Context, sig *market.Signal, bar market.Bar, ind market.IndicatorRecord) (*Decision, error)
}

// Enhance runs the capability with the default timeout and maps every
// failure mode to "confirmed, unmodified": a nil enhancer, an error, a
// timeout, or a nil decision all yield true without touching the signal. A
// decision only ever attaches metadata or rejects; it cannot turn a
// rejection elsewhere in the pipeline into an acceptance.
func Enhance(ctx context.Context, e Enhancer, sig *market.Signal, bar market.Bar, ind market.IndicatorRecord) bool {
	if e == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	decision, err := e.Enhance(ctx, sig, bar, ind)
	if err != nil || decision == nil {
		return true
	}

	sig.Enhancement = &market.Enhancement{
		Enhanced:   true,
		Reasoning:  decision.Reasoning,
		Confidence: decision.Confidence,
		Model:      decision.Model,
		RiskTier:   decision.RiskTier,
	}
	return decision.Approve
}
