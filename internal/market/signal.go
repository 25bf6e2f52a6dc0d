package market

import (
	"fmt"
	"time"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Action says whether a signal opens or closes a position.
type Action string

const (
	ActionOpen  Action = "OPEN"
	ActionClose Action = "CLOSE"
)

// SignalKind is the combined action+side of a signal.
type SignalKind string

const (
	OpenLong   SignalKind = "OPEN_LONG"
	OpenShort  SignalKind = "OPEN_SHORT"
	CloseLong  SignalKind = "CLOSE_LONG"
	CloseShort SignalKind = "CLOSE_SHORT"
)

// Side returns the position side the kind refers to.
func (k SignalKind) Side() Side {
	switch k {
	case OpenLong, CloseLong:
		return SideLong
	default:
		return SideShort
	}
}

// Action returns whether the kind opens or closes.
func (k SignalKind) Action() Action {
	switch k {
	case OpenLong, OpenShort:
		return ActionOpen
	default:
		return ActionClose
	}
}

// Enhancement is optional metadata attached by the LLM confirmation side
// channel. It never changes a rejection into an acceptance.
type Enhancement struct {
	Enhanced   bool    `json:"enhanced"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Model      string  `json:"model,omitempty"`
	RiskTier   string  `json:"risk_tier,omitempty"`
}

// Signal is a strategy's decision to open or close a position.
type Signal struct {
	Strategy    string       `json:"strategy"`
	Symbol      string       `json:"symbol"`
	Timestamp   int64        `json:"timestamp"`
	Price       float64      `json:"price"`
	Kind        SignalKind   `json:"signal_kind"`
	Side        Side         `json:"side"`
	Action      Action       `json:"action"`
	Reason      string       `json:"reason"`
	Confidence  *float64     `json:"confidence,omitempty"`
	StopLoss    *float64     `json:"stop_loss,omitempty"`
	TakeProfit  *float64     `json:"take_profit,omitempty"`
	Enhancement *Enhancement `json:"enhancement,omitempty"`
}

// NewSignal builds a signal with Side and Action derived from the kind.
func NewSignal(strategy, symbol string, ts int64, price float64, kind SignalKind, reason string) *Signal {
	return &Signal{
		Strategy:  strategy,
		Symbol:    symbol,
		Timestamp: ts,
		Price:     price,
		Kind:      kind,
		Side:      kind.Side(),
		Action:    kind.Action(),
		Reason:    reason,
	}
}

// Validate checks the kind/side/action consistency invariant.
func (s *Signal) Validate() error {
	if s.Strategy == "" || s.Symbol == "" {
		return fmt.Errorf("signal missing strategy or symbol")
	}
	if s.Price <= 0 {
		return fmt.Errorf("signal price must be positive")
	}
	switch s.Kind {
	case OpenLong, OpenShort, CloseLong, CloseShort:
	default:
		return fmt.Errorf("unknown signal kind %q", s.Kind)
	}
	if s.Side != s.Kind.Side() {
		return fmt.Errorf("signal side %s does not match kind %s", s.Side, s.Kind)
	}
	if s.Action != s.Kind.Action() {
		return fmt.Errorf("signal action %s does not match kind %s", s.Action, s.Kind)
	}
	if s.Confidence != nil && (*s.Confidence < 0 || *s.Confidence > 1) {
		return fmt.Errorf("signal confidence %f outside [0,1]", *s.Confidence)
	}
	return nil
}

// Time returns the signal timestamp as time.Time (UTC).
func (s *Signal) Time() time.Time {
	return time.Unix(s.Timestamp, 0).UTC()
}
