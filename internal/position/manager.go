package position

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/quantflow/internal/market"
	"github.com/rs/zerolog"
)

// Rejection reasons surfaced by Open.
var (
	ErrMaxPositions      = errors.New("maximum concurrent positions reached")
	ErrExposureExhausted = errors.New("remaining exposure capacity below half of requested size")
	ErrPositionExists    = errors.New("position already open for strategy and symbol")
	ErrNoPosition        = errors.New("no open position of matching side")
)

// Position is an open booked position.
type Position struct {
	Strategy      string      `json:"strategy"`
	Symbol        string      `json:"symbol"`
	Side          market.Side `json:"side"`
	Quantity      float64     `json:"quantity"`
	USDAmount     float64     `json:"usd_amount"`
	EntryPrice    float64     `json:"entry_price"`
	EntryTime     int64       `json:"entry_time"`
	StopLoss      float64     `json:"stop_loss,omitempty"`
	TakeProfit    float64     `json:"take_profit,omitempty"`
	HighWatermark float64     `json:"high_watermark"`
	LowWatermark  float64     `json:"low_watermark"`
}

// Trade records one closed round trip.
type Trade struct {
	Strategy   string      `json:"strategy"`
	Symbol     string      `json:"symbol"`
	Side       market.Side `json:"side"`
	Quantity   float64     `json:"quantity"`
	USDAmount  float64     `json:"usd_amount"`
	EntryPrice float64     `json:"entry_price"`
	ExitPrice  float64     `json:"exit_price"`
	EntryTime  int64       `json:"entry_time"`
	ExitTime   int64       `json:"exit_time"`
	PnL        float64     `json:"pnl"`
	Reason     string      `json:"reason"`
}

// positionKey identifies one open position.
type positionKey struct {
	strategy string
	symbol   string
	side     market.Side
}

// Manager books positions against one account. It is single-threaded with
// respect to the account: every operation takes the manager mutex, and
// callers serialize signals per account.
type Manager struct {
	mu        sync.Mutex
	cash      float64
	preset    Preset
	sizer     Sizer
	positions map[positionKey]*Position
	trades    []Trade
	log       zerolog.Logger
}

// NewManager creates a manager with the given starting cash and preset.
// The preset must already be validated.
func NewManager(initialCash float64, preset Preset, log zerolog.Logger) *Manager {
	return &Manager{
		cash:      initialCash,
		preset:    preset,
		sizer:     preset.Sizer(),
		positions: make(map[positionKey]*Position),
		log:       log.With().Str("component", "position_manager").Logger(),
	}
}

// Open translates an accepted OPEN signal into a sized, booked position.
// The limit pipeline: position count, raw size, single-position cap,
// remaining-capacity reduction (rejecting below half of raw), then booking.
func (m *Manager) Open(sig *market.Signal, atr float64) (*Position, error) {
	if sig.Action != market.ActionOpen {
		return nil, fmt.Errorf("signal %s is not an OPEN", sig.Kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := positionKey{strategy: sig.Strategy, symbol: sig.Symbol, side: sig.Side}
	if _, exists := m.positions[key]; exists {
		return nil, ErrPositionExists
	}
	if len(m.positions) >= m.preset.MaxPositions {
		return nil, ErrMaxPositions
	}

	equity := m.equityLocked()
	in := SizingInput{Equity: equity, Price: sig.Price, ATR: atr}
	if sig.StopLoss != nil {
		in.StopLoss = *sig.StopLoss
	}
	raw := m.sizer.Size(in)

	if limit := m.preset.SinglePositionMax * equity; raw > limit {
		raw = limit
	}

	exposure := m.exposureLocked()
	if remaining := m.preset.MaxTotalExposure*equity - exposure; raw > remaining {
		if remaining < 0.5*raw {
			return nil, ErrExposureExhausted
		}
		raw = remaining
	}

	pos := &Position{
		Strategy:      sig.Strategy,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Quantity:      raw / sig.Price,
		USDAmount:     raw,
		EntryPrice:    sig.Price,
		EntryTime:     sig.Timestamp,
		HighWatermark: sig.Price,
		LowWatermark:  sig.Price,
	}
	if sig.StopLoss != nil {
		pos.StopLoss = *sig.StopLoss
	}
	if sig.TakeProfit != nil {
		pos.TakeProfit = *sig.TakeProfit
	}

	m.positions[key] = pos
	m.cash -= raw

	m.log.Info().
		Str("strategy", sig.Strategy).
		Str("symbol", sig.Symbol).
		Str("side", string(sig.Side)).
		Float64("usd", raw).
		Float64("quantity", pos.Quantity).
		Msg("Position opened")
	return pos, nil
}

// Close consumes exactly one open position of matching strategy, symbol and
// side, realizing P&L at the signal price.
func (m *Manager) Close(sig *market.Signal) (*Trade, error) {
	if sig.Action != market.ActionClose {
		return nil, fmt.Errorf("signal %s is not a CLOSE", sig.Kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := positionKey{strategy: sig.Strategy, symbol: sig.Symbol, side: sig.Side}
	pos, ok := m.positions[key]
	if !ok {
		return nil, ErrNoPosition
	}

	pnl := (sig.Price - pos.EntryPrice) * pos.Quantity * sideSign(pos.Side)

	m.cash += pos.USDAmount + pnl
	delete(m.positions, key)

	trade := Trade{
		Strategy:   pos.Strategy,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		USDAmount:  pos.USDAmount,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  sig.Price,
		EntryTime:  pos.EntryTime,
		ExitTime:   sig.Timestamp,
		PnL:        pnl,
		Reason:     sig.Reason,
	}
	m.trades = append(m.trades, trade)

	m.log.Info().
		Str("strategy", pos.Strategy).
		Str("symbol", pos.Symbol).
		Float64("pnl", pnl).
		Msg("Position closed")
	return &trade, nil
}

// UpdateWatermarks folds a bar's extremes into every open position on the
// bar's symbol.
func (m *Manager) UpdateWatermarks(symbol string, bar market.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pos := range m.positions {
		if pos.Symbol != symbol {
			continue
		}
		if bar.High > pos.HighWatermark {
			pos.HighWatermark = bar.High
		}
		if bar.Low < pos.LowWatermark {
			pos.LowWatermark = bar.Low
		}
	}
}

// equityLocked is cash plus booked position amounts. Unrealized P&L is
// intentionally excluded from the sizing base: limits are checked against
// committed capital. Caller holds m.mu.
func (m *Manager) equityLocked() float64 {
	return m.cash + m.exposureLocked()
}

// exposureLocked sums open position USD amounts. Caller holds m.mu.
func (m *Manager) exposureLocked() float64 {
	var total float64
	for _, pos := range m.positions {
		total += pos.USDAmount
	}
	return total
}

// Equity returns cash plus booked exposure.
func (m *Manager) Equity() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equityLocked()
}

// Cash returns the free cash balance.
func (m *Manager) Cash() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cash
}

// Exposure returns the total open position USD amount.
func (m *Manager) Exposure() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exposureLocked()
}

// UnrealizedPnL marks every open position to the given price map.
func (m *Manager) UnrealizedPnL(prices map[string]float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, pos := range m.positions {
		price, ok := prices[pos.Symbol]
		if !ok {
			continue
		}
		total += (price - pos.EntryPrice) * pos.Quantity * sideSign(pos.Side)
	}
	return total
}

// Open positions and the trade log, snapshotted.

// Positions returns a copy of the open positions.
func (m *Manager) Positions() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out
}

// Trades returns a copy of the closed-trade log.
func (m *Manager) Trades() []Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Trade, len(m.trades))
	copy(out, m.trades)
	return out
}

// CloseAll force-closes every open position at the given prices, stamping
// trades with ts. Used by replay at the last bar.
func (m *Manager) CloseAll(prices map[string]float64, ts int64, reason string) []Trade {
	m.mu.Lock()
	keys := make([]positionKey, 0, len(m.positions))
	for key := range m.positions {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	// Deterministic close order keeps replay result bundles bit-identical.
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].strategy != keys[j].strategy {
			return keys[i].strategy < keys[j].strategy
		}
		if keys[i].symbol != keys[j].symbol {
			return keys[i].symbol < keys[j].symbol
		}
		return keys[i].side < keys[j].side
	})

	var closed []Trade
	for _, key := range keys {
		price, ok := prices[key.symbol]
		if !ok {
			continue
		}
		kind := market.CloseLong
		if key.side == market.SideShort {
			kind = market.CloseShort
		}
		sig := market.NewSignal(key.strategy, key.symbol, ts, price, kind, reason)
		if trade, err := m.Close(sig); err == nil {
			closed = append(closed, *trade)
		}
	}
	if len(closed) > 0 {
		m.log.Info().Int("count", len(closed)).Time("at", time.Unix(ts, 0).UTC()).Msg("Closed all open positions")
	}
	return closed
}
