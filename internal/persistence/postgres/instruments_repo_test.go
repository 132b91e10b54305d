package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instrumentColumnsList() []string {
	return []string{
		"instrument_token", "security_id", "trading_symbol", "name",
		"exchange", "segment", "instrument_type", "expiry", "strike",
		"tick_size", "lot_size", "source", "is_active",
	}
}

func TestInstrumentsListActive(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewInstrumentsRepo(db, 5*time.Second)

	expiry := time.Date(2025, 8, 28, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(instrumentColumnsList()).
		AddRow(int64(53001), "49229", "NIFTY25AUGFUT", "NIFTY AUG FUT",
			"NSE", "NSE_FNO", "FUT", expiry, nil,
			0.05, int64(75), "dhan", true).
		AddRow(int64(53002), "49230", "NIFTY25AUG24500CE", nil,
			"NSE", "NSE_FNO", "CE", expiry, 24500.00,
			0.05, int64(75), nil, true)

	mock.ExpectQuery("WHERE is_active = TRUE").WillReturnRows(rows)

	instruments, err := repo.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, instruments, 2)

	fut := instruments[0]
	assert.Equal(t, int64(53001), fut.InstrumentToken)
	assert.Equal(t, "49229", fut.SecurityID)
	assert.Equal(t, "NIFTY25AUGFUT", fut.TradingSymbol)
	assert.Equal(t, "dhan", fut.Source)
	assert.Nil(t, fut.Strike)
	require.NotNil(t, fut.Expiry)
	assert.True(t, fut.Expiry.Equal(expiry))

	opt := instruments[1]
	assert.Equal(t, "", opt.Name)
	require.NotNil(t, opt.Strike)
	assert.Equal(t, 24500.00, *opt.Strike)
	// NULL source falls back to the legacy default.
	assert.Equal(t, "kite", opt.Source)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstrumentsListActive_Empty(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewInstrumentsRepo(db, 5*time.Second)

	mock.ExpectQuery("WHERE is_active = TRUE").
		WillReturnRows(sqlmock.NewRows(instrumentColumnsList()))

	instruments, err := repo.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, instruments)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstrumentsByToken(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewInstrumentsRepo(db, 5*time.Second)

	rows := sqlmock.NewRows(instrumentColumnsList()).
		AddRow(int64(53001), "49229", "NIFTY25AUGFUT", "NIFTY AUG FUT",
			"NSE", "NSE_FNO", "FUT", nil, nil,
			0.05, int64(75), "dhan", true)

	mock.ExpectQuery("WHERE instrument_token").WithArgs(int64(53001)).WillReturnRows(rows)

	inst, err := repo.ByToken(context.Background(), 53001)
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, "49229", inst.SecurityID)
	assert.Nil(t, inst.Expiry)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInstrumentsByToken_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewInstrumentsRepo(db, 5*time.Second)

	mock.ExpectQuery("WHERE instrument_token").WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows(instrumentColumnsList()))

	_, err := repo.ByToken(context.Background(), 404)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	assert.NoError(t, mock.ExpectationsWereMet())
}
