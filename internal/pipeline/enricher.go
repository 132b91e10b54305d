package pipeline

import (
	"math"
	"strconv"

	"github.com/fnolabs/tickflow/internal/persistence"
)

// Resolver maps a feed security ID to instrument master metadata.
// *instruments.Cache satisfies this.
type Resolver interface {
	BySecurityID(securityID string) (persistence.Instrument, bool)
}

// Enricher turns normalized ticks into persisted rows: it resolves the
// instrument, annotates identity fields and computes the derived columns.
type Enricher struct {
	resolver Resolver
}

// NewEnricher creates an enricher backed by the given resolver.
func NewEnricher(resolver Resolver) *Enricher {
	return &Enricher{resolver: resolver}
}

// Enrich resolves and annotates one tick. The boolean is false when the
// security ID is unknown; such ticks are dropped by the caller.
func (e *Enricher) Enrich(nt *NormalizedTick) (persistence.TickRow, bool) {
	inst, ok := e.resolver.BySecurityID(strconv.Itoa(int(nt.SecurityID)))
	if !ok {
		return persistence.TickRow{}, false
	}

	row := persistence.TickRow{
		Time:            nt.Time,
		LastTradeTime:   nt.LastTradeTime,
		InstrumentToken: inst.InstrumentToken,
		SecurityID:      inst.SecurityID,
		TradingSymbol:   inst.TradingSymbol,
		Exchange:        inst.Exchange,
		Segment:         inst.Segment,
		InstrumentType:  inst.InstrumentType,

		LastPrice:          nt.LastPrice,
		LastTradedQuantity: nt.LastQuantity,
		AverageTradedPrice: nt.AvgPrice,
		VolumeTraded:       nt.Volume,

		OI:        nt.OI,
		OIDayHigh: nt.OIDayHigh,
		OIDayLow:  nt.OIDayLow,

		DayOpen:   nt.DayOpen,
		DayHigh:   nt.DayHigh,
		DayLow:    nt.DayLow,
		DayClose:  nt.DayClose,
		PrevClose: nt.PrevClose,

		TotalBuyQuantity:  nt.TotalBuyQuantity,
		TotalSellQuantity: nt.TotalSellQuantity,

		Tradable: true,
		Mode:     "quote",

		OrderImbalance: nt.TotalBuyQuantity - nt.TotalSellQuantity,
	}

	if nt.PrevClose > 0 {
		row.Change = round2(nt.LastPrice - nt.PrevClose)
		row.ChangePercent = round4(row.Change / nt.PrevClose * 100)
	}

	if nt.HasDepth {
		row.Mode = "full"
		row.BidPrices = make([]float64, 5)
		row.BidQuantities = make([]int64, 5)
		row.BidOrders = make([]int64, 5)
		row.AskPrices = make([]float64, 5)
		row.AskQuantities = make([]int64, 5)
		row.AskOrders = make([]int64, 5)
		for i, lvl := range nt.Depth {
			row.BidPrices[i] = float64(lvl.BidPrice)
			row.BidQuantities[i] = int64(lvl.BidQuantity)
			row.BidOrders[i] = int64(lvl.BidOrders)
			row.AskPrices[i] = float64(lvl.AskPrice)
			row.AskQuantities[i] = int64(lvl.AskQuantity)
			row.AskOrders[i] = int64(lvl.AskOrders)
		}

		// Spread and mid only make sense with both sides quoted; a
		// one-sided book (circuit moves, expiry close) leaves them zero.
		bestBid := row.BidPrices[0]
		bestAsk := row.AskPrices[0]
		if bestBid > 0 && bestAsk > 0 {
			row.BidAskSpread = round2(bestAsk - bestBid)
			row.MidPrice = round2((bestBid + bestAsk) / 2)
		}
	}

	return row, true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
