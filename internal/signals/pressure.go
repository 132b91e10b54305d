package signals

import "github.com/fnolabs/tickflow/internal/depth"

// Market states classified from the primary pressure window.
const (
	StateBullish = "bullish"
	StateBearish = "bearish"
	StateNeutral = "neutral"
)

// Pressure is the mean book imbalance over a set of books:
// (bid orders − ask orders) / (bid orders + ask orders), summed over the
// top levels of each side, averaged per book, clamped to [−1, 1].
// Positive means resting buy pressure. Books with an empty top are
// skipped; no usable books yields 0.
func Pressure(books []*Book, topLevels int) float64 {
	var sum float64
	var n int
	for _, b := range books {
		bid := sumOrders(b.Bids, topLevels)
		ask := sumOrders(b.Asks, topLevels)
		if bid+ask == 0 {
			continue
		}
		sum += float64(bid-ask) / float64(bid+ask)
		n++
	}
	if n == 0 {
		return 0
	}
	return clamp(sum/float64(n), -1, 1)
}

// MarketState classifies a pressure reading against the state
// threshold.
func MarketState(pressure, threshold float64) string {
	switch {
	case pressure > threshold:
		return StateBullish
	case pressure < -threshold:
		return StateBearish
	default:
		return StateNeutral
	}
}

func sumOrders(ladder []depth.Level, top int) int64 {
	if top > 0 && len(ladder) > top {
		ladder = ladder[:top]
	}
	var sum int64
	for _, lvl := range ladder {
		if lvl.Orders > 0 {
			sum += lvl.Orders
		}
	}
	return sum
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
