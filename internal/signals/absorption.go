package signals

import (
	"math"
	"time"

	"github.com/fnolabs/tickflow/internal/config"
	"github.com/fnolabs/tickflow/internal/persistence"
)

// DetectAbsorptions compares each in-play level's current order count
// against what the buffer recorded in the lookback window. A reduction
// past the threshold is an absorption: a breakthrough when price has
// crossed the level, a cancellation when the orders were pulled without
// the level ever trading.
func DetectAbsorptions(now time.Time, levels []*TrackedLevel, book *Book, buf *Buffer, cfg config.AbsorptionConfig, tick float64) []persistence.AbsorptionSignal {
	from := now.Add(-time.Duration(cfg.LookbackMaxSeconds * float64(time.Second)))
	to := now.Add(-time.Duration(cfg.LookbackMinSeconds * float64(time.Second)))
	window := buf.Between(from, to)
	if len(window) == 0 {
		return nil
	}

	var out []persistence.AbsorptionSignal
	for _, l := range levels {
		if l.Status != StatusActive && l.Status != StatusBreaking {
			continue
		}

		before, ok := ordersInWindow(window, l, tick)
		if !ok || before <= 0 {
			continue
		}

		reduction := (float64(before) - float64(l.Orders)) / float64(before) * 100
		if reduction < cfg.ReductionPct {
			continue
		}

		crossed := (l.Side == SideResistance && book.Mid > l.Price) ||
			(l.Side == SideSupport && book.Mid < l.Price)

		out = append(out, persistence.AbsorptionSignal{
			Price:        l.Price,
			Side:         l.Side,
			OrdersBefore: before,
			OrdersNow:    l.Orders,
			ReductionPct: math.Round(reduction*100) / 100,
			Breakthrough: crossed,
		})
	}
	return out
}

// ordersInWindow averages the order count observed at the level's price
// across the lookback books. Books where the price is absent from the
// ladder do not count; a level never observed in the window yields no
// baseline at all.
func ordersInWindow(window []*Book, l *TrackedLevel, tick float64) (int64, bool) {
	var sum int64
	var n int
	for _, book := range window {
		ladder := book.Bids
		if l.Side == SideResistance {
			ladder = book.Asks
		}
		if lvl, ok := findLevel(ladder, l.Price, tick); ok {
			sum += lvl.Orders
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return int64(math.Round(float64(sum) / float64(n))), true
}
