package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/quantflow/internal/database"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrRunNotFound is returned by Load for an unknown run ID.
var ErrRunNotFound = errors.New("backtest run not found")

// BacktestRepository stores completed backtest result bundles as msgpack
// blobs keyed by run ID.
type BacktestRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewBacktestRepository creates a backtest repository.
func NewBacktestRepository(db *database.DB, log zerolog.Logger) *BacktestRepository {
	return &BacktestRepository{
		db:  db,
		log: log.With().Str("component", "backtest_repository").Logger(),
	}
}

// Save persists one result bundle.
func (r *BacktestRepository) Save(runID, strategy, symbol string, createdAt int64, bundle interface{}) error {
	blob, err := msgpack.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("failed to encode backtest bundle: %w", err)
	}
	_, err = r.db.Exec(`
		INSERT OR REPLACE INTO backtest_results (run_id, strategy, symbol, created_at, bundle)
		VALUES (?, ?, ?, ?, ?)`,
		runID, strategy, symbol, createdAt, blob,
	)
	if err != nil {
		return fmt.Errorf("failed to save backtest %s: %w", runID, err)
	}
	return nil
}

// Load decodes the bundle for a run into out.
func (r *BacktestRepository) Load(runID string, out interface{}) error {
	var blob []byte
	err := r.db.QueryRow(`SELECT bundle FROM backtest_results WHERE run_id = ?`, runID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load backtest %s: %w", runID, err)
	}
	if err := msgpack.Unmarshal(blob, out); err != nil {
		return fmt.Errorf("failed to decode backtest bundle %s: %w", runID, err)
	}
	return nil
}
