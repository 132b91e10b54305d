package persistence

import (
	"context"
	"time"
)

// TimeRange is a half-open window [From, To) for data queries.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Instrument is one row of the instrument master. Populated by an external
// sync process; the pipeline only reads it.
type Instrument struct {
	InstrumentToken int64      `json:"instrument_token" db:"instrument_token"`
	SecurityID      string     `json:"security_id" db:"security_id"`
	TradingSymbol   string     `json:"trading_symbol" db:"trading_symbol"`
	Name            string     `json:"name" db:"name"`
	Exchange        string     `json:"exchange" db:"exchange"`
	Segment         string     `json:"segment" db:"segment"`
	InstrumentType  string     `json:"instrument_type" db:"instrument_type"`
	Expiry          *time.Time `json:"expiry,omitempty" db:"expiry"`
	Strike          *float64   `json:"strike,omitempty" db:"strike"`
	TickSize        float64    `json:"tick_size" db:"tick_size"`
	LotSize         int64      `json:"lot_size" db:"lot_size"`
	Source          string     `json:"source" db:"source"`
	IsActive        bool       `json:"is_active" db:"is_active"`
}

// TickRow is one enriched tick as persisted to the ticks hypertable.
// Depth arrays are fixed length 5, best level first.
type TickRow struct {
	Time            time.Time  `json:"time" db:"time"`
	LastTradeTime   *time.Time `json:"last_trade_time,omitempty" db:"last_trade_time"`
	InstrumentToken int64      `json:"instrument_token" db:"instrument_token"`
	SecurityID      string     `json:"security_id" db:"security_id"`
	TradingSymbol   string     `json:"trading_symbol" db:"trading_symbol"`
	Exchange        string     `json:"exchange" db:"exchange"`
	Segment         string     `json:"segment" db:"segment"`
	InstrumentType  string     `json:"instrument_type" db:"instrument_type"`

	LastPrice          float64 `json:"last_price" db:"last_price"`
	LastTradedQuantity int64   `json:"last_traded_quantity" db:"last_traded_quantity"`
	AverageTradedPrice float64 `json:"average_traded_price" db:"average_traded_price"`
	VolumeTraded       int64   `json:"volume_traded" db:"volume_traded"`

	OI        int64 `json:"oi" db:"oi"`
	OIDayHigh int64 `json:"oi_day_high" db:"oi_day_high"`
	OIDayLow  int64 `json:"oi_day_low" db:"oi_day_low"`

	DayOpen   float64 `json:"day_open" db:"day_open"`
	DayHigh   float64 `json:"day_high" db:"day_high"`
	DayLow    float64 `json:"day_low" db:"day_low"`
	DayClose  float64 `json:"day_close" db:"day_close"`
	PrevClose float64 `json:"prev_close" db:"prev_close"`

	Change        float64 `json:"change" db:"change"`
	ChangePercent float64 `json:"change_percent" db:"change_percent"`

	TotalBuyQuantity  int64 `json:"total_buy_quantity" db:"total_buy_quantity"`
	TotalSellQuantity int64 `json:"total_sell_quantity" db:"total_sell_quantity"`

	BidPrices     []float64 `json:"bid_prices" db:"bid_prices"`
	BidQuantities []int64   `json:"bid_quantities" db:"bid_quantities"`
	BidOrders     []int64   `json:"bid_orders" db:"bid_orders"`
	AskPrices     []float64 `json:"ask_prices" db:"ask_prices"`
	AskQuantities []int64   `json:"ask_quantities" db:"ask_quantities"`
	AskOrders     []int64   `json:"ask_orders" db:"ask_orders"`

	Tradable bool   `json:"tradable" db:"tradable"`
	Mode     string `json:"mode" db:"mode"`

	BidAskSpread   float64 `json:"bid_ask_spread" db:"bid_ask_spread"`
	MidPrice       float64 `json:"mid_price" db:"mid_price"`
	OrderImbalance int64   `json:"order_imbalance" db:"order_imbalance"`
}

// DepthLevelRow is one price level of a 200-level snapshot.
type DepthLevelRow struct {
	Time       time.Time `json:"time" db:"time"`
	SecurityID string    `json:"security_id" db:"security_id"`
	Symbol     string    `json:"symbol" db:"symbol"`
	Side       string    `json:"side" db:"side"` // "bid" or "ask"
	LevelNum   int       `json:"level_num" db:"level_num"`
	Price      float64   `json:"price" db:"price"`
	Quantity   int64     `json:"quantity" db:"quantity"`
	Orders     int64     `json:"orders" db:"orders"`
}

// KeyLevelSignal is the persisted form of a tracked level.
type KeyLevelSignal struct {
	Price         float64 `json:"price"`
	Side          string  `json:"side"`
	Orders        int64   `json:"orders"`
	StrengthRatio float64 `json:"strength_ratio"`
	AgeSeconds    float64 `json:"age_seconds"`
	Status        string  `json:"status"`
	Tests         int     `json:"tests"`
}

// AbsorptionSignal is the persisted form of one absorption event.
type AbsorptionSignal struct {
	Price        float64 `json:"price"`
	Side         string  `json:"side"`
	OrdersBefore int64   `json:"orders_before"`
	OrdersNow    int64   `json:"orders_now"`
	ReductionPct float64 `json:"reduction_pct"`
	Breakthrough bool    `json:"breakthrough"`
}

// SignalRow is one analyzer evaluation, written every 10 seconds. The
// key_levels and absorptions lists are stored as JSON documents.
type SignalRow struct {
	Time         time.Time          `json:"time" db:"time"`
	SecurityID   string             `json:"security_id" db:"security_id"`
	Symbol       string             `json:"symbol" db:"symbol"`
	CurrentPrice float64            `json:"current_price" db:"current_price"`
	KeyLevels    []KeyLevelSignal   `json:"key_levels"`
	Absorptions  []AbsorptionSignal `json:"absorptions"`
	Pressure30s  float64            `json:"pressure_30s" db:"pressure_30s"`
	Pressure60s  float64            `json:"pressure_60s" db:"pressure_60s"`
	Pressure120s float64            `json:"pressure_120s" db:"pressure_120s"`
	MarketState  string             `json:"market_state" db:"market_state"`
}

// TicksRepo persists enriched ticks.
type TicksRepo interface {
	// UpsertBatch writes a batch keyed on (time, instrument_token).
	// Replays of the same batch are idempotent.
	UpsertBatch(ctx context.Context, ticks []TickRow) error

	// Latest returns the most recent tick for an instrument.
	Latest(ctx context.Context, instrumentToken int64) (*TickRow, error)

	// Count returns the number of ticks in a time range.
	Count(ctx context.Context, tr TimeRange) (int64, error)
}

// DepthRepo persists 200-level snapshots, one row per level.
type DepthRepo interface {
	// InsertLevels writes all levels of one snapshot in a single batch.
	// Duplicate (time, security_id, side, level_num) rows are skipped.
	InsertLevels(ctx context.Context, rows []DepthLevelRow) error

	// Count returns the number of level rows for a security in a range.
	Count(ctx context.Context, securityID string, tr TimeRange) (int64, error)
}

// SignalsRepo persists analyzer evaluations.
type SignalsRepo interface {
	// Insert writes one evaluation row.
	Insert(ctx context.Context, row SignalRow) error

	// Latest returns the most recent evaluation for a security.
	Latest(ctx context.Context, securityID string) (*SignalRow, error)
}

// InstrumentsRepo reads the instrument master.
type InstrumentsRepo interface {
	// ListActive returns every active instrument.
	ListActive(ctx context.Context) ([]Instrument, error)

	// ByToken returns a single instrument by its canonical token.
	ByToken(ctx context.Context, instrumentToken int64) (*Instrument, error)
}

// Repository aggregates all persistence interfaces.
type Repository struct {
	Ticks       TicksRepo
	Depth       DepthRepo
	Signals     SignalsRepo
	Instruments InstrumentsRepo
}

// HealthCheck represents repository health status.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for the persistence layer.
type RepositoryHealth interface {
	// Health returns current repository health status
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to the database
	Ping(ctx context.Context) error

	// Stats returns connection pool and query statistics
	Stats(ctx context.Context) map[string]interface{}
}
