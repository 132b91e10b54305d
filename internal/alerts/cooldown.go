package alerts

import (
	"math"
	"sync"
	"time"
)

// Alert kinds, also used as the metric label.
const (
	KindKeyLevel   = "key_level"
	KindAbsorption = "absorption"
	KindPressure   = "pressure"
	KindLifecycle  = "lifecycle"
)

// bucketSize groups alert prices into 10-point bands so small drift
// around a level maps to the same suppression key.
const bucketSize = 10.0

type cooldownKey struct {
	kind   string
	bucket int64
	side   string
}

// Cooldown suppresses repeats of the same (kind, price bucket, side)
// within the window. The window starts on successful delivery, not on
// attempt, so a failed webhook call does not consume the alert.
type Cooldown struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[cooldownKey]time.Time
	now  func() time.Time
}

// NewCooldown creates a cooldown with the given window. A zero window
// allows everything.
func NewCooldown(ttl time.Duration) *Cooldown {
	return &Cooldown{
		ttl:  ttl,
		seen: make(map[cooldownKey]time.Time),
		now:  time.Now,
	}
}

// Allow reports whether the key is outside its suppression window.
func (c *Cooldown) Allow(kind string, price float64, side string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.seen[makeKey(kind, price, side)]
	return !ok || c.now().Sub(at) >= c.ttl
}

// Mark starts the window for a key after a successful delivery.
func (c *Cooldown) Mark(kind string, price float64, side string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[makeKey(kind, price, side)] = c.now()
}

func makeKey(kind string, price float64, side string) cooldownKey {
	return cooldownKey{
		kind:   kind,
		bucket: int64(math.Floor(price/bucketSize) * bucketSize),
		side:   bookSide(side),
	}
}

// bookSide folds the trader vocabulary onto book sides: a support and
// its bid-side absorption share one suppression key. Other values pass
// through, so pressure alerts key on the market state.
func bookSide(side string) string {
	switch side {
	case "support":
		return "bid"
	case "resistance":
		return "ask"
	}
	return side
}
