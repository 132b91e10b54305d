package pipeline

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fnolabs/tickflow/internal/feed"
)

// DefaultStateCapacity bounds the merger's per-security state map. Eviction
// of a live instrument only costs one prev_close/OI refresh from the feed,
// so the cap can stay well below the full instrument universe.
const DefaultStateCapacity = 10_000

// NormalizedTick is a complete market snapshot for one security, assembled
// from the partial frames the feed interleaves. Prices stay unrounded here;
// the enricher owns presentation rounding.
type NormalizedTick struct {
	Time       time.Time
	Segment    feed.Segment
	SecurityID int32

	LastPrice     float64
	LastQuantity  int64
	LastTradeTime *time.Time
	AvgPrice      float64
	Volume        int64

	TotalBuyQuantity  int64
	TotalSellQuantity int64

	DayOpen   float64
	DayHigh   float64
	DayLow    float64
	DayClose  float64
	PrevClose float64

	OI        int64
	OIDayHigh int64
	OIDayLow  int64

	HasDepth bool
	Depth    [5]feed.DepthLevel
}

// tickState is the partial per-security state carried between frames.
type tickState struct {
	prevClose float64
	oi        int64
}

// Merger folds the feed's partial frames (prev close, OI, ticker) into
// per-security state and emits a NormalizedTick whenever a quote or full
// frame completes the picture. State lives in a bounded LRU so a wide
// subscription cannot grow memory without limit.
type Merger struct {
	states *lru.Cache[string, *tickState]
	now    func() time.Time
}

// NewMerger creates a merger with the given state capacity.
// Capacity <= 0 uses DefaultStateCapacity.
func NewMerger(capacity int) (*Merger, error) {
	if capacity <= 0 {
		capacity = DefaultStateCapacity
	}
	states, err := lru.New[string, *tickState](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create merger state cache: %w", err)
	}
	return &Merger{states: states, now: time.Now}, nil
}

// Security IDs are only unique within an exchange segment.
func stateKey(segment feed.Segment, securityID int32) string {
	return fmt.Sprintf("%d:%d", segment, securityID)
}

func (m *Merger) state(segment feed.Segment, securityID int32) *tickState {
	key := stateKey(segment, securityID)
	if st, ok := m.states.Get(key); ok {
		return st
	}
	st := &tickState{}
	m.states.Add(key, st)
	return st
}

// Apply folds one decoded packet into per-security state. It returns a
// NormalizedTick for quote and full frames and nil for everything else.
func (m *Merger) Apply(pkt feed.Packet) *NormalizedTick {
	switch p := pkt.(type) {
	case *feed.PrevClosePacket:
		st := m.state(p.Segment, p.SecurityID)
		st.prevClose = float64(p.PrevClose)
		st.oi = int64(p.PrevOpenInterest)
		return nil

	case *feed.OIPacket:
		st := m.state(p.Segment, p.SecurityID)
		st.oi = int64(p.OpenInterest)
		return nil

	case *feed.TickerPacket:
		// Ticker frames refresh nothing the quote path does not carry
		// already; they only matter for ticker-mode subscriptions, which
		// this pipeline does not publish. Touch the state so the entry
		// stays warm in the LRU.
		m.state(p.Segment, p.SecurityID)
		return nil

	case *feed.QuotePacket:
		st := m.state(p.Segment, p.SecurityID)
		tradeTime := p.TradeTime
		return &NormalizedTick{
			Time:              m.now(),
			Segment:           p.Segment,
			SecurityID:        p.SecurityID,
			LastPrice:         float64(p.LastPrice),
			LastQuantity:      int64(p.LastQuantity),
			LastTradeTime:     &tradeTime,
			AvgPrice:          float64(p.AvgPrice),
			Volume:            int64(p.Volume),
			TotalBuyQuantity:  int64(p.TotalBuyQuantity),
			TotalSellQuantity: int64(p.TotalSellQuantity),
			DayOpen:           float64(p.DayOpen),
			DayHigh:           float64(p.DayHigh),
			DayLow:            float64(p.DayLow),
			DayClose:          float64(p.DayClose),
			PrevClose:         st.prevClose,
			OI:                st.oi,
		}

	case *feed.FullPacket:
		st := m.state(p.Segment, p.SecurityID)
		// Full frames carry their own OI; remember it for any quote
		// frames that follow.
		st.oi = int64(p.OpenInterest)
		tradeTime := p.TradeTime
		return &NormalizedTick{
			Time:              m.now(),
			Segment:           p.Segment,
			SecurityID:        p.SecurityID,
			LastPrice:         float64(p.LastPrice),
			LastQuantity:      int64(p.LastQuantity),
			LastTradeTime:     &tradeTime,
			AvgPrice:          float64(p.AvgPrice),
			Volume:            int64(p.Volume),
			TotalBuyQuantity:  int64(p.TotalBuyQuantity),
			TotalSellQuantity: int64(p.TotalSellQuantity),
			DayOpen:           float64(p.DayOpen),
			DayHigh:           float64(p.DayHigh),
			DayLow:            float64(p.DayLow),
			DayClose:          float64(p.DayClose),
			PrevClose:         st.prevClose,
			OI:                int64(p.OpenInterest),
			OIDayHigh:         int64(p.OIDayHigh),
			OIDayLow:          int64(p.OIDayLow),
			HasDepth:          true,
			Depth:             p.Depth,
		}
	}

	return nil
}

// Len reports the number of securities with live merge state.
func (m *Merger) Len() int {
	return m.states.Len()
}
