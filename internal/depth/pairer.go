package depth

import (
	"time"

	"github.com/fnolabs/tickflow/internal/feed"
)

// PairWindow is how long a bid half waits for its ask half. The feed sends
// the sides back to back; a gap longer than this means a cycle was lost.
const PairWindow = 2 * time.Second

// Snapshot is one complete book: a bid frame plus the ask frame that
// followed it inside the pairing window.
type Snapshot struct {
	Time       time.Time
	Segment    feed.Segment
	SecurityID int32
	Bids       []Level
	Asks       []Level
}

// BestBid returns the top bid price, or 0 on an empty side.
func (s *Snapshot) BestBid() float64 {
	if len(s.Bids) == 0 {
		return 0
	}
	return s.Bids[0].Price
}

// BestAsk returns the top ask price, or 0 on an empty side.
func (s *Snapshot) BestAsk() float64 {
	if len(s.Asks) == 0 {
		return 0
	}
	return s.Asks[0].Price
}

type pendingBid struct {
	levels []Level
	at     time.Time
}

// Pairer matches bid and ask half-books per security. The bid side always
// arrives first; an unmatched or stale half is discarded, never emitted.
type Pairer struct {
	window  time.Duration
	now     func() time.Time
	pending map[int32]pendingBid
}

// NewPairer creates a pairer. Window <= 0 uses PairWindow.
func NewPairer(window time.Duration) *Pairer {
	if window <= 0 {
		window = PairWindow
	}
	return &Pairer{
		window:  window,
		now:     time.Now,
		pending: make(map[int32]pendingBid),
	}
}

// Apply consumes one half-book frame and returns a complete snapshot when
// an ask pairs with a fresh bid. Disconnect frames are the caller's
// concern.
func (p *Pairer) Apply(f *Frame) *Snapshot {
	switch f.Code {
	case CodeBid:
		// A new bid replaces any half still waiting.
		p.pending[f.SecurityID] = pendingBid{levels: f.Levels, at: p.now()}
		return nil

	case CodeAsk:
		bid, ok := p.pending[f.SecurityID]
		if !ok {
			return nil
		}
		delete(p.pending, f.SecurityID)

		now := p.now()
		if now.Sub(bid.at) > p.window {
			return nil
		}
		return &Snapshot{
			Time:       now,
			Segment:    f.Segment,
			SecurityID: f.SecurityID,
			Bids:       bid.levels,
			Asks:       f.Levels,
		}
	}

	return nil
}

// Pending reports how many bid halves are waiting for their ask side.
func (p *Pairer) Pending() int {
	return len(p.pending)
}
