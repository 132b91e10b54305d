package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/fnolabs/tickflow/internal/persistence"
)

// signalsRepo implements SignalsRepo for TimescaleDB
type signalsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSignalsRepo creates a new TimescaleDB signals repository
func NewSignalsRepo(db *sqlx.DB, timeout time.Duration) persistence.SignalsRepo {
	return &signalsRepo{
		db:      db,
		timeout: timeout,
	}
}

// Insert writes one analyzer evaluation. The key_levels and absorptions
// lists are stored as JSONB documents.
func (r *signalsRepo) Insert(ctx context.Context, row persistence.SignalRow) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	levelsJSON, err := json.Marshal(row.KeyLevels)
	if err != nil {
		return fmt.Errorf("failed to marshal key levels: %w", err)
	}

	absorptionsJSON, err := json.Marshal(row.Absorptions)
	if err != nil {
		return fmt.Errorf("failed to marshal absorptions: %w", err)
	}

	query := `
		INSERT INTO depth_signals (time, security_id, symbol, current_price,
			key_levels, absorptions, pressure_30s, pressure_60s, pressure_120s, market_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = r.db.ExecContext(ctx, query,
		row.Time, row.SecurityID, row.Symbol, row.CurrentPrice,
		levelsJSON, absorptionsJSON,
		row.Pressure30s, row.Pressure60s, row.Pressure120s, row.MarketState)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate signal row: %w", err)
		}
		return fmt.Errorf("failed to insert signal row: %w", err)
	}

	return nil
}

// Latest returns the most recent evaluation for a security.
func (r *signalsRepo) Latest(ctx context.Context, securityID string) (*persistence.SignalRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT time, security_id, symbol, current_price,
			key_levels, absorptions, pressure_30s, pressure_60s, pressure_120s, market_state
		FROM depth_signals
		WHERE security_id = $1
		ORDER BY time DESC
		LIMIT 1`

	var row persistence.SignalRow
	var levelsJSON, absorptionsJSON []byte

	err := r.db.QueryRowxContext(ctx, query, securityID).Scan(
		&row.Time, &row.SecurityID, &row.Symbol, &row.CurrentPrice,
		&levelsJSON, &absorptionsJSON,
		&row.Pressure30s, &row.Pressure60s, &row.Pressure120s, &row.MarketState)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest signal row: %w", err)
	}

	if len(levelsJSON) > 0 {
		if err := json.Unmarshal(levelsJSON, &row.KeyLevels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal key levels: %w", err)
		}
	}
	if len(absorptionsJSON) > 0 {
		if err := json.Unmarshal(absorptionsJSON, &row.Absorptions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal absorptions: %w", err)
		}
	}

	return &row, nil
}
