package signals

import (
	"math"
	"sort"
	"time"

	"github.com/fnolabs/tickflow/internal/config"
	"github.com/fnolabs/tickflow/internal/depth"
)

// Level lifecycle. A level is born forming, promotes to active once it
// has persisted, degrades to breaking when its orders collapse, and is
// broken once price crosses through it.
const (
	StatusForming  = "forming"
	StatusActive   = "active"
	StatusBreaking = "breaking"
	StatusBroken   = "broken"
)

// Sides from the trader's point of view: a support sits below the mid,
// a resistance above it.
const (
	SideSupport    = "support"
	SideResistance = "resistance"
)

// DefaultTickSize is the NSE F&O price increment. Level prices from
// different snapshots are matched at this resolution.
const DefaultTickSize = 0.05

// TrackedLevel follows one order concentration from discovery to
// resolution.
type TrackedLevel struct {
	Price      float64
	Side       string
	FirstSeen  time.Time
	LastSeen   time.Time
	Orders     int64
	PeakOrders int64
	Strength   float64
	Status     string
	Tests      int
	BrokenAt   time.Time

	// inTestBand dedupes the tests counter: one increment per approach,
	// not one per snapshot while price lingers at the level.
	inTestBand bool

	// crossPending confirms a price crossing: the level is broken only
	// when the mid sits beyond it on two consecutive passes, so the
	// absorption pass still sees the level on the pass the break
	// happens.
	crossPending bool
}

// Age is the time the level has been on the book.
func (l *TrackedLevel) Age(now time.Time) time.Duration {
	return now.Sub(l.FirstSeen)
}

// Tracker maintains the tracked-level working set for one symbol.
// Single-goroutine use; the evaluation loop is the only caller.
type Tracker struct {
	cfg    config.KeyLevelsConfig
	tick   float64
	levels map[int64]*TrackedLevel
}

// NewTracker creates a tracker. tickSize <= 0 uses DefaultTickSize.
func NewTracker(cfg config.KeyLevelsConfig, tickSize float64) *Tracker {
	if tickSize <= 0 {
		tickSize = DefaultTickSize
	}
	return &Tracker{
		cfg:    cfg,
		tick:   tickSize,
		levels: make(map[int64]*TrackedLevel),
	}
}

// TickSize reports the price resolution levels are matched at.
func (t *Tracker) TickSize() float64 { return t.tick }

// Len reports how many levels are currently tracked, broken included.
func (t *Tracker) Len() int { return len(t.levels) }

func (t *Tracker) bucket(price float64) int64 {
	return int64(math.Round(price / t.tick))
}

// Observe runs one detection pass against the current book and advances
// every tracked level's lifecycle. It returns the levels still in play
// (forming, active, or breaking), strongest first.
func (t *Tracker) Observe(now time.Time, book *Book) []*TrackedLevel {
	mid := book.Mid

	mean := meanOrders(book, mid, t.cfg.PriceWindow)
	if mean > 0 {
		threshold := mean * t.cfg.StrengthRatio
		t.admitCandidates(now, book.Bids, SideSupport, mid, mean, threshold)
		t.admitCandidates(now, book.Asks, SideResistance, mid, mean, threshold)
	}

	t.syncFromBook(now, book, mean)
	t.advance(now, mid)
	t.gc(now, mid)

	out := make([]*TrackedLevel, 0, len(t.levels))
	for _, l := range t.levels {
		if l.Status != StatusBroken {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strength > out[j].Strength })
	return out
}

// meanOrders averages the resting order count over every populated
// level within the scan window around mid.
func meanOrders(book *Book, mid, window float64) float64 {
	var sum int64
	var n int
	for _, side := range [][]depth.Level{book.Bids, book.Asks} {
		for _, lvl := range side {
			if lvl.Orders <= 0 || math.Abs(lvl.Price-mid) > window {
				continue
			}
			sum += lvl.Orders
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

func (t *Tracker) admitCandidates(now time.Time, ladder []depth.Level, side string, mid, mean, threshold float64) {
	for _, lvl := range ladder {
		if lvl.Orders <= 0 || math.Abs(lvl.Price-mid) > t.cfg.PriceWindow {
			continue
		}
		if float64(lvl.Orders) < threshold {
			continue
		}
		key := t.bucket(lvl.Price)
		if existing, ok := t.levels[key]; ok {
			existing.LastSeen = now
			continue
		}
		t.levels[key] = &TrackedLevel{
			Price:      lvl.Price,
			Side:       side,
			FirstSeen:  now,
			LastSeen:   now,
			Orders:     lvl.Orders,
			PeakOrders: lvl.Orders,
			Strength:   float64(lvl.Orders) / mean,
			Status:     StatusForming,
		}
	}
}

// syncFromBook refreshes order counts for every tracked level present
// in the current ladders, candidate or not, so collapses are visible to
// the lifecycle and to absorption detection.
func (t *Tracker) syncFromBook(now time.Time, book *Book, mean float64) {
	for _, l := range t.levels {
		ladder := book.Bids
		if l.Side == SideResistance {
			ladder = book.Asks
		}
		lvl, ok := findLevel(ladder, l.Price, t.tick)
		if !ok {
			continue
		}
		l.Orders = lvl.Orders
		l.LastSeen = now
		if lvl.Orders > l.PeakOrders {
			l.PeakOrders = lvl.Orders
		}
		if mean > 0 {
			l.Strength = float64(lvl.Orders) / mean
		}
	}
}

// findLevel locates a price in a ladder at tick resolution.
func findLevel(ladder []depth.Level, price, tick float64) (depth.Level, bool) {
	for _, lvl := range ladder {
		if math.Abs(lvl.Price-price) < tick/2 {
			return lvl, true
		}
	}
	return depth.Level{}, false
}

// advance applies the lifecycle transitions in order: promotion by age,
// degradation by order collapse, resolution by price crossing.
func (t *Tracker) advance(now time.Time, mid float64) {
	for _, l := range t.levels {
		if l.Status == StatusBroken {
			continue
		}

		if l.Status == StatusForming && l.Age(now).Seconds() >= t.cfg.ActiveAfterSeconds {
			l.Status = StatusActive
		}

		if l.Status != StatusBreaking && l.PeakOrders > 0 {
			keep := 1 - t.cfg.BreakingDropPct/100
			if float64(l.Orders) <= float64(l.PeakOrders)*keep {
				l.Status = StatusBreaking
			}
		}

		crossed := (l.Side == SideResistance && mid > l.Price) ||
			(l.Side == SideSupport && mid < l.Price)
		if crossed {
			if l.crossPending {
				l.Status = StatusBroken
				l.BrokenAt = now
				l.inTestBand = false
				continue
			}
			l.crossPending = true
			continue
		}
		l.crossPending = false

		near := math.Abs(mid-l.Price) <= t.cfg.TestTolerance
		if near && !l.inTestBand {
			l.Tests++
		}
		l.inTestBand = near
	}
}

// gc drops levels nothing will reference again: broken long enough ago,
// vanished from the book, or left far behind by the price.
func (t *Tracker) gc(now time.Time, mid float64) {
	ttl := time.Duration(t.cfg.GCAfterSeconds * float64(time.Second))
	for key, l := range t.levels {
		switch {
		case l.Status == StatusBroken && now.Sub(l.BrokenAt) >= ttl:
			delete(t.levels, key)
		case now.Sub(l.LastSeen) >= ttl:
			delete(t.levels, key)
		case math.Abs(l.Price-mid) > t.cfg.PriceWindow*1.5:
			delete(t.levels, key)
		}
	}
}
