package storage

import (
	"encoding/json"
	"fmt"

	"github.com/aristath/quantflow/internal/database"
	"github.com/aristath/quantflow/internal/market"
	"github.com/rs/zerolog"
)

// SignalRepository stores emitted signals, including any enhancement
// metadata, keyed by (strategy, symbol, timestamp).
type SignalRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewSignalRepository creates a signal repository.
func NewSignalRepository(db *database.DB, log zerolog.Logger) *SignalRepository {
	return &SignalRepository{
		db:  db,
		log: log.With().Str("component", "signal_repository").Logger(),
	}
}

// Insert persists one signal.
func (r *SignalRepository) Insert(sig *market.Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}
	_, err = r.db.Exec(`
		INSERT OR REPLACE INTO signals (strategy, symbol, timestamp, payload)
		VALUES (?, ?, ?, ?)`,
		sig.Strategy, sig.Symbol, sig.Timestamp, string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal %s/%s@%d: %w", sig.Strategy, sig.Symbol, sig.Timestamp, err)
	}
	return nil
}

// Recent returns the newest limit signals for a strategy, newest first,
// optionally filtered by symbol (empty symbol means all).
func (r *SignalRepository) Recent(strategy, symbol string, limit int) ([]*market.Signal, error) {
	query := `
		SELECT payload FROM signals
		WHERE strategy = ?`
	args := []interface{}{strategy}
	if symbol != "" {
		query += " AND symbol = ?"
		args = append(args, symbol)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var sigs []*market.Signal
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		var sig market.Signal
		if err := json.Unmarshal([]byte(payload), &sig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signal: %w", err)
		}
		sigs = append(sigs, &sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signals: %w", err)
	}
	return sigs, nil
}
