package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fnolabs/tickflow/internal/persistence"
)

const instrumentColumns = `instrument_token, security_id, trading_symbol, name,
		exchange, segment, instrument_type, expiry, strike,
		tick_size, lot_size, source, is_active`

// instrumentsRepo implements InstrumentsRepo for PostgreSQL
type instrumentsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewInstrumentsRepo creates a new PostgreSQL instruments repository
func NewInstrumentsRepo(db *sqlx.DB, timeout time.Duration) persistence.InstrumentsRepo {
	return &instrumentsRepo{
		db:      db,
		timeout: timeout,
	}
}

// ListActive returns every active instrument, ordered by token so repeated
// loads produce identical slices.
func (r *instrumentsRepo) ListActive(ctx context.Context) ([]persistence.Instrument, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + instrumentColumns + `
		FROM instruments
		WHERE is_active = TRUE
		ORDER BY instrument_token`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active instruments: %w", err)
	}
	defer rows.Close()

	var instruments []persistence.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		instruments = append(instruments, *inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instruments: %w", err)
	}

	return instruments, nil
}

// ByToken returns a single instrument by its canonical token.
func (r *instrumentsRepo) ByToken(ctx context.Context, instrumentToken int64) (*persistence.Instrument, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + instrumentColumns + `
		FROM instruments
		WHERE instrument_token = $1`

	rows, err := r.db.QueryxContext(ctx, query, instrumentToken)
	if err != nil {
		return nil, fmt.Errorf("failed to query instrument by token: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get instrument by token: %w", err)
		}
		return nil, sql.ErrNoRows
	}

	return scanInstrument(rows)
}

func scanInstrument(rows *sqlx.Rows) (*persistence.Instrument, error) {
	var inst persistence.Instrument
	var name, source sql.NullString
	var expiry sql.NullTime
	var strike sql.NullFloat64

	err := rows.Scan(
		&inst.InstrumentToken, &inst.SecurityID, &inst.TradingSymbol, &name,
		&inst.Exchange, &inst.Segment, &inst.InstrumentType, &expiry, &strike,
		&inst.TickSize, &inst.LotSize, &source, &inst.IsActive)

	if err != nil {
		return nil, err
	}

	inst.Name = name.String
	if expiry.Valid {
		t := expiry.Time
		inst.Expiry = &t
	}
	if strike.Valid {
		v := strike.Float64
		inst.Strike = &v
	}
	inst.Source = source.String
	if inst.Source == "" {
		inst.Source = "kite"
	}

	return &inst, nil
}
