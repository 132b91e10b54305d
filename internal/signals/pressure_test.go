package signals

import (
	"math"
	"testing"
	"time"

	"github.com/fnolabs/tickflow/internal/depth"
)

// imbalancedBooks builds n books whose top-20 order sums are constant.
func imbalancedBooks(n int, bidOrders, askOrders int64) []*Book {
	books := make([]*Book, n)
	for i := range books {
		books[i] = bookAt(t0.Add(time.Duration(i)*time.Second), 24505,
			[]depth.Level{lvl(24500, bidOrders)},
			[]depth.Level{lvl(24510, askOrders)},
		)
	}
	return books
}

func TestPressureModerateImbalance(t *testing.T) {
	// 4300 vs 2200 resting orders: (4300-2200)/6500.
	got := Pressure(imbalancedBooks(6, 4300, 2200), 20)
	if math.Abs(got-0.3230769) > 1e-6 {
		t.Errorf("pressure = %v, want ~0.3230769", got)
	}
	if state := MarketState(got, 0.3); state != StateBullish {
		t.Errorf("state = %s, want bullish above +0.3", state)
	}
}

func TestPressureStrongImbalance(t *testing.T) {
	got := Pressure(imbalancedBooks(6, 5000, 2000), 20)
	if math.Abs(got-0.4285714) > 1e-6 {
		t.Errorf("pressure = %v, want ~0.4285714", got)
	}
}

func TestPressureAveragesAcrossBooks(t *testing.T) {
	books := append(imbalancedBooks(2, 300, 100), imbalancedBooks(2, 100, 300)...)
	if got := Pressure(books, 20); got != 0 {
		t.Errorf("pressure = %v, want 0 for symmetric halves", got)
	}
}

func TestPressureUsesTopLevelsOnly(t *testing.T) {
	// 21 bid levels of 10 orders each; the 21st is a 1000-order wall
	// that must fall outside the top-20 sum.
	bids := make([]depth.Level, 21)
	for i := range bids {
		bids[i] = lvl(24500-float64(i), 10)
	}
	bids[20] = lvl(24480, 1000)
	books := []*Book{bookAt(t0, 24505, bids, []depth.Level{lvl(24510, 200)})}

	// top-20 bids = 200, asks = 200.
	if got := Pressure(books, 20); got != 0 {
		t.Errorf("pressure = %v, want 0 with the deep wall excluded", got)
	}
}

func TestPressureSkipsEmptyBooks(t *testing.T) {
	books := append([]*Book{bookAt(t0, 100, nil, nil)}, imbalancedBooks(1, 300, 100)...)
	if got := Pressure(books, 20); got != 0.5 {
		t.Errorf("pressure = %v, want 0.5 from the one populated book", got)
	}
	if got := Pressure(nil, 20); got != 0 {
		t.Errorf("pressure of no books = %v, want 0", got)
	}
}

func TestPressureStaysClamped(t *testing.T) {
	// One-sided book pins the ratio at +1.
	books := []*Book{bookAt(t0, 100, []depth.Level{lvl(99, 500)}, nil)}
	if got := Pressure(books, 20); got != 1 {
		t.Errorf("pressure = %v, want exactly 1", got)
	}
}

func TestMarketStateThresholds(t *testing.T) {
	cases := []struct {
		pressure float64
		want     string
	}{
		{0.31, StateBullish},
		{0.3, StateNeutral},
		{-0.3, StateNeutral},
		{-0.31, StateBearish},
		{0, StateNeutral},
	}
	for _, tc := range cases {
		if got := MarketState(tc.pressure, 0.3); got != tc.want {
			t.Errorf("MarketState(%v) = %s, want %s", tc.pressure, got, tc.want)
		}
	}
}
