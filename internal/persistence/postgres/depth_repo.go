package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fnolabs/tickflow/internal/persistence"
)

// depthRepo implements DepthRepo for TimescaleDB
type depthRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDepthRepo creates a new TimescaleDB depth repository
func NewDepthRepo(db *sqlx.DB, timeout time.Duration) persistence.DepthRepo {
	return &depthRepo{
		db:      db,
		timeout: timeout,
	}
}

// InsertLevels writes all levels of one snapshot in a single transaction.
// Duplicate (time, security_id, side, level_num) rows are skipped rather
// than overwritten: levels within one snapshot never legitimately collide,
// so a conflict means the snapshot was already stored.
func (r *depthRepo) InsertLevels(ctx context.Context, rows []persistence.DepthLevelRow) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(rows)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO depth_levels_200 (time, security_id, symbol, side, level_num, price, quantity, orders)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (time, security_id, side, level_num) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, lv := range rows {
		_, err := stmt.ExecContext(ctx,
			lv.Time, lv.SecurityID, lv.Symbol, lv.Side,
			lv.LevelNum, lv.Price, lv.Quantity, lv.Orders)
		if err != nil {
			return fmt.Errorf("failed to insert depth level %s/%s/%d: %w", lv.SecurityID, lv.Side, lv.LevelNum, err)
		}
	}

	return tx.Commit()
}

// Count returns the number of level rows for a security in a time range.
func (r *depthRepo) Count(ctx context.Context, securityID string, tr persistence.TimeRange) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT COUNT(*)
		FROM depth_levels_200
		WHERE security_id = $1 AND time >= $2 AND time < $3`

	var count int64
	err := r.db.QueryRowxContext(ctx, query, securityID, tr.From, tr.To).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count depth levels: %w", err)
	}

	return count, nil
}
