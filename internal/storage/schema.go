// Package storage provides the repositories over the platform's SQLite
// stores: bars, indicator records, signals, and backtest results.
package storage

import (
	"fmt"

	"github.com/aristath/quantflow/internal/database"
)

// marketSchema holds the time-series tables: bars and indicator records,
// both uniquely keyed by (symbol, timeframe, market_kind, timestamp) with an
// index supporting timestamp range scans.
const marketSchema = `
CREATE TABLE IF NOT EXISTS bars (
	symbol      TEXT    NOT NULL,
	timeframe   TEXT    NOT NULL,
	market_kind TEXT    NOT NULL,
	timestamp   INTEGER NOT NULL,
	open        REAL    NOT NULL,
	high        REAL    NOT NULL,
	low         REAL    NOT NULL,
	close       REAL    NOT NULL,
	volume      REAL    NOT NULL,
	PRIMARY KEY (symbol, timeframe, market_kind, timestamp)
);
CREATE INDEX IF NOT EXISTS idx_bars_ts ON bars (symbol, timeframe, market_kind, timestamp);

CREATE TABLE IF NOT EXISTS indicator_records (
	symbol         TEXT    NOT NULL,
	timeframe      TEXT    NOT NULL,
	market_kind    TEXT    NOT NULL,
	timestamp      INTEGER NOT NULL,
	engine_version TEXT    NOT NULL,
	values_json    TEXT    NOT NULL,
	PRIMARY KEY (symbol, timeframe, market_kind, timestamp)
);
CREATE INDEX IF NOT EXISTS idx_ind_ts ON indicator_records (symbol, timeframe, market_kind, timestamp);
`

// resultsSchema holds signals and backtest result bundles.
const resultsSchema = `
CREATE TABLE IF NOT EXISTS signals (
	strategy    TEXT    NOT NULL,
	symbol      TEXT    NOT NULL,
	timestamp   INTEGER NOT NULL,
	payload     TEXT    NOT NULL,
	PRIMARY KEY (strategy, symbol, timestamp)
);
CREATE INDEX IF NOT EXISTS idx_signals_strategy ON signals (strategy, timestamp);

CREATE TABLE IF NOT EXISTS backtest_results (
	run_id     TEXT    PRIMARY KEY,
	strategy   TEXT    NOT NULL,
	symbol     TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	bundle     BLOB    NOT NULL
);
`

// MigrateMarket applies the market (time-series) schema.
func MigrateMarket(db *database.DB) error {
	if _, err := db.Exec(marketSchema); err != nil {
		return fmt.Errorf("failed to apply market schema: %w", err)
	}
	return nil
}

// MigrateResults applies the signals/backtests schema.
func MigrateResults(db *database.DB) error {
	if _, err := db.Exec(resultsSchema); err != nil {
		return fmt.Errorf("failed to apply results schema: %w", err)
	}
	return nil
}
