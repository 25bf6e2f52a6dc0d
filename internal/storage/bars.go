package storage

import (
	"fmt"

	"github.com/aristath/quantflow/internal/database"
	"github.com/aristath/quantflow/internal/market"
	"github.com/rs/zerolog"
)

// BarRepository stores and retrieves OHLCV bars.
type BarRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewBarRepository creates a bar repository.
func NewBarRepository(db *database.DB, log zerolog.Logger) *BarRepository {
	return &BarRepository{
		db:  db,
		log: log.With().Str("component", "bar_repository").Logger(),
	}
}

// Upsert inserts a bar, replacing any existing row for the same key and
// timestamp. Bars are immutable once published, so a replace only ever
// rewrites identical data after a crash-replay.
func (r *BarRepository) Upsert(bar market.Bar) error {
	_, err := r.db.Exec(`
		INSERT OR REPLACE INTO bars (symbol, timeframe, market_kind, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bar.Symbol, string(bar.Timeframe), string(bar.MarketKind), bar.Timestamp,
		bar.Open, bar.High, bar.Low, bar.Close, bar.Volume,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert bar %s@%d: %w", bar.Key(), bar.Timestamp, err)
	}
	return nil
}

// Range returns bars for a key with timestamp in [from, to], ascending.
func (r *BarRepository) Range(key market.Key, from, to int64) ([]market.Bar, error) {
	rows, err := r.db.Query(`
		SELECT symbol, timeframe, market_kind, timestamp, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND timeframe = ? AND market_kind = ? AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp ASC`,
		key.Symbol, string(key.Timeframe), string(key.MarketKind), from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// Recent returns the most recent limit bars for a key, ascending.
func (r *BarRepository) Recent(key market.Key, limit int) ([]market.Bar, error) {
	rows, err := r.db.Query(`
		SELECT symbol, timeframe, market_kind, timestamp, open, high, low, close, volume
		FROM (
			SELECT * FROM bars
			WHERE symbol = ? AND timeframe = ? AND market_kind = ?
			ORDER BY timestamp DESC LIMIT ?
		)
		ORDER BY timestamp ASC`,
		key.Symbol, string(key.Timeframe), string(key.MarketKind), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent bars: %w", err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// Timestamps returns the set of persisted bar timestamps for a key within
// [from, to]. Used by the gap-fill pass.
func (r *BarRepository) Timestamps(key market.Key, from, to int64) (map[int64]bool, error) {
	rows, err := r.db.Query(`
		SELECT timestamp FROM bars
		WHERE symbol = ? AND timeframe = ? AND market_kind = ? AND timestamp BETWEEN ? AND ?`,
		key.Symbol, string(key.Timeframe), string(key.MarketKind), from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query bar timestamps: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]bool)
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("failed to scan bar timestamp: %w", err)
		}
		out[ts] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bar timestamps: %w", err)
	}
	return out, nil
}

// Count returns the number of persisted bars for a key.
func (r *BarRepository) Count(key market.Key) (int64, error) {
	var n int64
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM bars
		WHERE symbol = ? AND timeframe = ? AND market_kind = ?`,
		key.Symbol, string(key.Timeframe), string(key.MarketKind),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count bars: %w", err)
	}
	return n, nil
}

// Keys returns every distinct series key with at least one persisted bar.
func (r *BarRepository) Keys() ([]market.Key, error) {
	rows, err := r.db.Query(`SELECT DISTINCT symbol, timeframe, market_kind FROM bars`)
	if err != nil {
		return nil, fmt.Errorf("failed to query bar keys: %w", err)
	}
	defer rows.Close()

	var keys []market.Key
	for rows.Next() {
		var sym, tf, mk string
		if err := rows.Scan(&sym, &tf, &mk); err != nil {
			return nil, fmt.Errorf("failed to scan bar key: %w", err)
		}
		keys = append(keys, market.Key{Symbol: sym, Timeframe: market.Timeframe(tf), MarketKind: market.MarketKind(mk)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bar keys: %w", err)
	}
	return keys, nil
}

// scanBars drains a bar result set.
func scanBars(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]market.Bar, error) {
	var bars []market.Bar
	for rows.Next() {
		var b market.Bar
		var tf, mk string
		if err := rows.Scan(&b.Symbol, &tf, &mk, &b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		b.Timeframe = market.Timeframe(tf)
		b.MarketKind = market.MarketKind(mk)
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bars: %w", err)
	}
	return bars, nil
}
