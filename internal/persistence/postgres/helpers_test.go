package postgres

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/fnolabs/tickflow/internal/persistence"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	return sqlx.NewDb(mockDB, "sqlmock"), mock
}

func sampleTick(ts time.Time) persistence.TickRow {
	ltt := ts.Add(-200 * time.Millisecond)
	return persistence.TickRow{
		Time:               ts,
		LastTradeTime:      &ltt,
		InstrumentToken:    53001,
		SecurityID:         "49229",
		TradingSymbol:      "NIFTY25AUGFUT",
		Exchange:           "NSE",
		Segment:            "NSE_FNO",
		InstrumentType:     "FUT",
		LastPrice:          24500.00,
		LastTradedQuantity: 75,
		AverageTradedPrice: 24485.50,
		VolumeTraded:       500000,
		OI:                 15000000,
		OIDayHigh:          15200000,
		OIDayLow:           14800000,
		DayOpen:            24450.00,
		DayHigh:            24550.00,
		DayLow:             24400.00,
		DayClose:           24500.00,
		PrevClose:          24450.00,
		Change:             50.00,
		ChangePercent:      0.2045,
		TotalBuyQuantity:   320000,
		TotalSellQuantity:  280000,
		BidPrices:          []float64{24498.00, 24496.00, 24494.00, 24492.00, 24490.00},
		BidQuantities:      []int64{100000, 80000, 60000, 40000, 20000},
		BidOrders:          []int64{50, 40, 30, 20, 10},
		AskPrices:          []float64{24502.00, 24504.00, 24506.00, 24508.00, 24510.00},
		AskQuantities:      []int64{120000, 90000, 70000, 50000, 30000},
		AskOrders:          []int64{60, 45, 35, 25, 15},
		Tradable:           true,
		Mode:               "full",
		BidAskSpread:       4.00,
		MidPrice:           24500.00,
		OrderImbalance:     40000,
	}
}
