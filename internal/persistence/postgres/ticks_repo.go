package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/fnolabs/tickflow/internal/persistence"
)

// tickColumns is the full column list of the ticks hypertable, in insert order.
const tickColumns = `time, last_trade_time, instrument_token, security_id, trading_symbol,
		exchange, segment, instrument_type,
		last_price, last_traded_quantity, average_traded_price, volume_traded,
		oi, oi_day_high, oi_day_low,
		day_open, day_high, day_low, day_close, prev_close,
		change, change_percent,
		total_buy_quantity, total_sell_quantity,
		bid_prices, bid_quantities, bid_orders,
		ask_prices, ask_quantities, ask_orders,
		tradable, mode, bid_ask_spread, mid_price, order_imbalance`

// ticksRepo implements TicksRepo for TimescaleDB
type ticksRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTicksRepo creates a new TimescaleDB ticks repository
func NewTicksRepo(db *sqlx.DB, timeout time.Duration) persistence.TicksRepo {
	return &ticksRepo{
		db:      db,
		timeout: timeout,
	}
}

// UpsertBatch writes a batch of ticks atomically. Conflicts on
// (time, instrument_token) overwrite the existing row so replayed
// messages converge on the latest delivery.
func (r *ticksRepo) UpsertBatch(ctx context.Context, ticks []persistence.TickRow) error {
	if len(ticks) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(ticks)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertTickQuery())
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, t := range ticks {
		if _, err := stmt.ExecContext(ctx, tickArgs(t)...); err != nil {
			return fmt.Errorf("failed to upsert tick %d@%s: %w", t.InstrumentToken, t.Time.Format(time.RFC3339Nano), err)
		}
	}

	return tx.Commit()
}

// Latest returns the most recent tick for an instrument.
func (r *ticksRepo) Latest(ctx context.Context, instrumentToken int64) (*persistence.TickRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + tickColumns + `
		FROM ticks
		WHERE instrument_token = $1
		ORDER BY time DESC
		LIMIT 1`

	row := r.db.QueryRowxContext(ctx, query, instrumentToken)

	tick, err := scanTick(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest tick: %w", err)
	}

	return tick, nil
}

// Count returns the number of ticks in a time range.
func (r *ticksRepo) Count(ctx context.Context, tr persistence.TimeRange) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT COUNT(*)
		FROM ticks
		WHERE time >= $1 AND time < $2`

	var count int64
	err := r.db.QueryRowxContext(ctx, query, tr.From, tr.To).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count ticks: %w", err)
	}

	return count, nil
}

// Helper methods

func upsertTickQuery() string {
	return `
		INSERT INTO ticks (` + tickColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27, $28, $29, $30,
			$31, $32, $33, $34, $35)
		ON CONFLICT (time, instrument_token) DO UPDATE SET
			last_trade_time = EXCLUDED.last_trade_time,
			security_id = EXCLUDED.security_id,
			trading_symbol = EXCLUDED.trading_symbol,
			exchange = EXCLUDED.exchange,
			segment = EXCLUDED.segment,
			instrument_type = EXCLUDED.instrument_type,
			last_price = EXCLUDED.last_price,
			last_traded_quantity = EXCLUDED.last_traded_quantity,
			average_traded_price = EXCLUDED.average_traded_price,
			volume_traded = EXCLUDED.volume_traded,
			oi = EXCLUDED.oi,
			oi_day_high = EXCLUDED.oi_day_high,
			oi_day_low = EXCLUDED.oi_day_low,
			day_open = EXCLUDED.day_open,
			day_high = EXCLUDED.day_high,
			day_low = EXCLUDED.day_low,
			day_close = EXCLUDED.day_close,
			prev_close = EXCLUDED.prev_close,
			change = EXCLUDED.change,
			change_percent = EXCLUDED.change_percent,
			total_buy_quantity = EXCLUDED.total_buy_quantity,
			total_sell_quantity = EXCLUDED.total_sell_quantity,
			bid_prices = EXCLUDED.bid_prices,
			bid_quantities = EXCLUDED.bid_quantities,
			bid_orders = EXCLUDED.bid_orders,
			ask_prices = EXCLUDED.ask_prices,
			ask_quantities = EXCLUDED.ask_quantities,
			ask_orders = EXCLUDED.ask_orders,
			tradable = EXCLUDED.tradable,
			mode = EXCLUDED.mode,
			bid_ask_spread = EXCLUDED.bid_ask_spread,
			mid_price = EXCLUDED.mid_price,
			order_imbalance = EXCLUDED.order_imbalance`
}

func tickArgs(t persistence.TickRow) []interface{} {
	return []interface{}{
		t.Time, t.LastTradeTime, t.InstrumentToken, t.SecurityID, t.TradingSymbol,
		t.Exchange, t.Segment, t.InstrumentType,
		t.LastPrice, t.LastTradedQuantity, t.AverageTradedPrice, t.VolumeTraded,
		t.OI, t.OIDayHigh, t.OIDayLow,
		t.DayOpen, t.DayHigh, t.DayLow, t.DayClose, t.PrevClose,
		t.Change, t.ChangePercent,
		t.TotalBuyQuantity, t.TotalSellQuantity,
		pq.Array(t.BidPrices), pq.Array(t.BidQuantities), pq.Array(t.BidOrders),
		pq.Array(t.AskPrices), pq.Array(t.AskQuantities), pq.Array(t.AskOrders),
		t.Tradable, t.Mode, t.BidAskSpread, t.MidPrice, t.OrderImbalance,
	}
}

func scanTick(row *sqlx.Row) (*persistence.TickRow, error) {
	var t persistence.TickRow

	err := row.Scan(
		&t.Time, &t.LastTradeTime, &t.InstrumentToken, &t.SecurityID, &t.TradingSymbol,
		&t.Exchange, &t.Segment, &t.InstrumentType,
		&t.LastPrice, &t.LastTradedQuantity, &t.AverageTradedPrice, &t.VolumeTraded,
		&t.OI, &t.OIDayHigh, &t.OIDayLow,
		&t.DayOpen, &t.DayHigh, &t.DayLow, &t.DayClose, &t.PrevClose,
		&t.Change, &t.ChangePercent,
		&t.TotalBuyQuantity, &t.TotalSellQuantity,
		pq.Array(&t.BidPrices), pq.Array(&t.BidQuantities), pq.Array(&t.BidOrders),
		pq.Array(&t.AskPrices), pq.Array(&t.AskQuantities), pq.Array(&t.AskOrders),
		&t.Tradable, &t.Mode, &t.BidAskSpread, &t.MidPrice, &t.OrderImbalance)

	if err != nil {
		return nil, err
	}

	return &t, nil
}
