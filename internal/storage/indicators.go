package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/quantflow/internal/database"
	"github.com/aristath/quantflow/internal/indicators"
	"github.com/aristath/quantflow/internal/market"
	"github.com/rs/zerolog"
)

// IndicatorRepository stores and retrieves computed indicator records.
// Records are persisted with the engine version that produced them; reads
// refuse to return values computed by a different major version.
type IndicatorRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewIndicatorRepository creates an indicator repository.
func NewIndicatorRepository(db *database.DB, log zerolog.Logger) *IndicatorRepository {
	return &IndicatorRepository{
		db:  db,
		log: log.With().Str("component", "indicator_repository").Logger(),
	}
}

// majorVersion extracts the major component of a semantic version string.
func majorVersion(v string) string {
	if i := strings.IndexByte(v, '.'); i > 0 {
		return v[:i]
	}
	return v
}

// Upsert persists one indicator record under the current engine version.
func (r *IndicatorRepository) Upsert(rec market.IndicatorRecord) error {
	values, err := json.Marshal(rec.Values)
	if err != nil {
		return fmt.Errorf("failed to marshal indicator values: %w", err)
	}
	_, err = r.db.Exec(`
		INSERT OR REPLACE INTO indicator_records (symbol, timeframe, market_kind, timestamp, engine_version, values_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Symbol, string(rec.Timeframe), string(rec.MarketKind), rec.Timestamp, indicators.Version, string(values),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert indicator record %s@%d: %w", rec.Key(), rec.Timestamp, err)
	}
	return nil
}

// Range returns records for a key with timestamp in [from, to], ascending.
func (r *IndicatorRepository) Range(key market.Key, from, to int64) ([]market.IndicatorRecord, error) {
	rows, err := r.db.Query(`
		SELECT symbol, timeframe, market_kind, timestamp, engine_version, values_json
		FROM indicator_records
		WHERE symbol = ? AND timeframe = ? AND market_kind = ? AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp ASC`,
		key.Symbol, string(key.Timeframe), string(key.MarketKind), from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query indicator records: %w", err)
	}
	defer rows.Close()

	var recs []market.IndicatorRecord
	for rows.Next() {
		rec, err := scanIndicatorRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating indicator records: %w", err)
	}
	return recs, nil
}

// Latest returns the most recent record for a key, or nil when none exists.
func (r *IndicatorRepository) Latest(key market.Key) (*market.IndicatorRecord, error) {
	row := r.db.QueryRow(`
		SELECT symbol, timeframe, market_kind, timestamp, engine_version, values_json
		FROM indicator_records
		WHERE symbol = ? AND timeframe = ? AND market_kind = ?
		ORDER BY timestamp DESC LIMIT 1`,
		key.Symbol, string(key.Timeframe), string(key.MarketKind),
	)
	rec, err := scanIndicatorRecord(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// scanIndicatorRecord scans one row and enforces the major-version guard.
func scanIndicatorRecord(scan func(...interface{}) error) (market.IndicatorRecord, error) {
	var rec market.IndicatorRecord
	var tf, mk, version, valuesJSON string
	if err := scan(&rec.Symbol, &tf, &mk, &rec.Timestamp, &version, &valuesJSON); err != nil {
		return rec, fmt.Errorf("failed to scan indicator record: %w", err)
	}
	if majorVersion(version) != majorVersion(indicators.Version) {
		return rec, fmt.Errorf("indicator record computed by engine %s, current engine is %s: refusing to mix major versions", version, indicators.Version)
	}
	rec.Timeframe = market.Timeframe(tf)
	rec.MarketKind = market.MarketKind(mk)
	if err := json.Unmarshal([]byte(valuesJSON), &rec.Values); err != nil {
		return rec, fmt.Errorf("failed to unmarshal indicator values: %w", err)
	}
	return rec, nil
}
