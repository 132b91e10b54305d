package signals

import (
	"math"
	"testing"
	"time"

	"github.com/fnolabs/tickflow/internal/config"
	"github.com/fnolabs/tickflow/internal/depth"
)

func keyLevelsConfig() config.KeyLevelsConfig {
	return config.DefaultSignalsConfig().KeyLevels
}

// s3Book carries a 520-order wall at 23450 against a 200 mean: five
// populated levels summing to 1000 orders.
func s3Book(at time.Time, wallOrders int64) *Book {
	return bookAt(at, 23470,
		[]depth.Level{lvl(23450, wallOrders), lvl(23460, 100), lvl(23465, 150)},
		[]depth.Level{lvl(23475, 1000-wallOrders-250-150), lvl(23480, 150)},
	)
}

func TestTrackerDetectsAndPromotesLevel(t *testing.T) {
	tr := NewTracker(keyLevelsConfig(), 0)

	out := tr.Observe(t0, s3Book(t0, 520))
	if len(out) != 1 {
		t.Fatalf("levels = %d, want 1 (only the 2.6x wall qualifies)", len(out))
	}
	l := out[0]
	if l.Price != 23450 || l.Side != SideSupport {
		t.Errorf("level = %v/%s, want 23450/support", l.Price, l.Side)
	}
	if l.Status != StatusForming {
		t.Errorf("fresh level status = %s, want forming", l.Status)
	}
	if math.Abs(l.Strength-2.6) > 1e-9 {
		t.Errorf("strength = %v, want 2.6", l.Strength)
	}

	// Same wall 8 seconds later: old enough to be active, no alert
	// thresholds involved here.
	out = tr.Observe(t0.Add(8*time.Second), s3Book(t0.Add(8*time.Second), 520))
	if len(out) != 1 {
		t.Fatalf("levels = %d, want 1", len(out))
	}
	l = out[0]
	if l.Status != StatusActive {
		t.Errorf("status after 8s = %s, want active", l.Status)
	}
	if l.Orders != 520 || l.PeakOrders != 520 {
		t.Errorf("orders = %d peak %d, want 520/520", l.Orders, l.PeakOrders)
	}
	if got := l.Age(t0.Add(8 * time.Second)); got != 8*time.Second {
		t.Errorf("age = %v, want 8s", got)
	}
}

func TestTrackerMarksBreakingOnOrderCollapse(t *testing.T) {
	tr := NewTracker(keyLevelsConfig(), 0)
	tr.Observe(t0, s3Book(t0, 520))
	tr.Observe(t0.Add(6*time.Second), s3Book(t0.Add(6*time.Second), 520))

	// Orders collapse to 150: 71% below the 520 peak.
	out := tr.Observe(t0.Add(12*time.Second), s3Book(t0.Add(12*time.Second), 150))
	if len(out) != 1 {
		t.Fatalf("levels = %d, want 1", len(out))
	}
	if out[0].Status != StatusBreaking {
		t.Errorf("status = %s, want breaking after a 71%% drop", out[0].Status)
	}
	if out[0].PeakOrders != 520 || out[0].Orders != 150 {
		t.Errorf("orders = %d peak %d, want 150/520", out[0].Orders, out[0].PeakOrders)
	}
}

func TestTrackerBreaksLevelOnConfirmedCross(t *testing.T) {
	tr := NewTracker(keyLevelsConfig(), 0)
	tr.Observe(t0, s3Book(t0, 520))
	tr.Observe(t0.Add(6*time.Second), s3Book(t0.Add(6*time.Second), 520))

	crossed := bookAt(t0.Add(12*time.Second), 23440,
		[]depth.Level{lvl(23430, 100)},
		[]depth.Level{lvl(23445, 100)},
	)

	// First pass below the support only arms the break.
	out := tr.Observe(t0.Add(12*time.Second), crossed)
	if len(out) != 1 || out[0].Status == StatusBroken {
		t.Fatalf("levels = %v, a single unconfirmed cross must not break", out)
	}

	// Second consecutive pass confirms it.
	crossed2 := bookAt(t0.Add(22*time.Second), 23440, crossed.Bids, crossed.Asks)
	out = tr.Observe(t0.Add(22*time.Second), crossed2)
	if len(out) != 0 {
		t.Fatalf("levels = %d, want 0 once the support is broken", len(out))
	}
	if tr.Len() != 1 {
		t.Errorf("tracked = %d, want broken level retained until GC", tr.Len())
	}

	// Broken levels are reaped after the GC window.
	tr.Observe(t0.Add(90*time.Second), bookAt(t0.Add(90*time.Second), 23440, crossed.Bids, crossed.Asks))
	if tr.Len() != 0 {
		t.Errorf("tracked = %d, want 0 after GC", tr.Len())
	}
}

func TestTrackerCrossRecoveryKeepsLevel(t *testing.T) {
	tr := NewTracker(keyLevelsConfig(), 0)
	tr.Observe(t0, s3Book(t0, 520))

	below := bookAt(t0.Add(6*time.Second), 23440, s3Book(t0, 520).Bids, s3Book(t0, 520).Asks)
	tr.Observe(t0.Add(6*time.Second), below)

	// Price dips through and comes back: no break.
	out := tr.Observe(t0.Add(12*time.Second), s3Book(t0.Add(12*time.Second), 520))
	if len(out) != 1 || out[0].Status == StatusBroken {
		t.Fatalf("levels = %v, want the recovered level still tracked", out)
	}
}

func TestTrackerCountsTestsPerApproach(t *testing.T) {
	tr := NewTracker(keyLevelsConfig(), 0)
	bids := []depth.Level{lvl(23450, 520), lvl(23460, 100), lvl(23465, 150)}
	asks := []depth.Level{lvl(23475, 80), lvl(23480, 150)}

	tr.Observe(t0, bookAt(t0, 23470, bids, asks))

	// Approach within the 5-point tolerance: one test.
	tr.Observe(t0.Add(2*time.Second), bookAt(t0.Add(2*time.Second), 23453, bids, asks))
	// Lingering inside the band is still the same test.
	out := tr.Observe(t0.Add(4*time.Second), bookAt(t0.Add(4*time.Second), 23452, bids, asks))
	if out[0].Tests != 1 {
		t.Fatalf("tests = %d, want 1 for one sustained approach", out[0].Tests)
	}

	// Leave and come back: a second test.
	tr.Observe(t0.Add(6*time.Second), bookAt(t0.Add(6*time.Second), 23470, bids, asks))
	out = tr.Observe(t0.Add(8*time.Second), bookAt(t0.Add(8*time.Second), 23454, bids, asks))
	if out[0].Tests != 2 {
		t.Errorf("tests = %d, want 2 after a second approach", out[0].Tests)
	}
}

func TestTrackerIgnoresLevelsOutsideWindow(t *testing.T) {
	tr := NewTracker(keyLevelsConfig(), 0)
	// A huge wall 150 points away must not become a level, and must not
	// drag the mean.
	book := bookAt(t0, 23470,
		[]depth.Level{lvl(23320, 5000), lvl(23450, 520), lvl(23460, 100), lvl(23465, 150)},
		[]depth.Level{lvl(23475, 80), lvl(23480, 150)},
	)
	out := tr.Observe(t0, book)
	if len(out) != 1 || out[0].Price != 23450 {
		t.Fatalf("levels = %v, want only the in-window wall at 23450", out)
	}
}

func TestTrackerGCDropsVanishedLevels(t *testing.T) {
	tr := NewTracker(keyLevelsConfig(), 0)
	tr.Observe(t0, s3Book(t0, 520))

	// The wall disappears from the ladder entirely; after the GC window
	// the tracker forgets it.
	thin := bookAt(t0.Add(61*time.Second), 23470,
		[]depth.Level{lvl(23460, 100)},
		[]depth.Level{lvl(23475, 100)},
	)
	tr.Observe(t0.Add(61*time.Second), thin)
	if tr.Len() != 0 {
		t.Errorf("tracked = %d, want 0 after the level vanished for 61s", tr.Len())
	}
}

func TestTrackerMatchesPricesAtTickResolution(t *testing.T) {
	tr := NewTracker(keyLevelsConfig(), 0.05)
	tr.Observe(t0, s3Book(t0, 520))

	// The same wall reported at 23450.02 (inside half a tick) must update
	// the existing level, not create a second one.
	near := bookAt(t0.Add(2*time.Second), 23470,
		[]depth.Level{lvl(23450.02, 480), lvl(23460, 100), lvl(23465, 150)},
		[]depth.Level{lvl(23475, 120), lvl(23480, 150)},
	)
	out := tr.Observe(t0.Add(2*time.Second), near)
	if len(out) != 1 {
		t.Fatalf("levels = %d, want 1 (tick-resolution match)", len(out))
	}
	if out[0].Orders != 480 {
		t.Errorf("orders = %d, want 480 synced from the near-tick report", out[0].Orders)
	}
}

func TestMeanOrdersSkipsEmptyLevels(t *testing.T) {
	book := bookAt(t0, 100,
		[]depth.Level{lvl(99, 10), {Price: 98, Quantity: 100, Orders: 0}},
		[]depth.Level{lvl(101, 30)},
	)
	if got := meanOrders(book, 100, 100); got != 20 {
		t.Errorf("meanOrders = %v, want 20 (zero-order levels excluded)", got)
	}
}
