// Package breakers wraps gobreaker with the trip policy shared by
// outbound HTTP dependencies.
package breakers

import (
	"time"

	"github.com/sony/gobreaker"
)

// Breaker guards one outbound dependency. It opens after 3 consecutive
// failures, or once more than 5% of at least 20 requests have failed,
// and probes again after 60 seconds.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New creates a breaker named for the dependency it guards.
func New(name string) *Breaker {
	st := gobreaker.Settings{
		Name:     name,
		Interval: 60 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 3 {
				return true
			}
			if counts.Requests < 20 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(st)}
}

// Execute runs fn under the breaker. While open it fails fast with
// gobreaker.ErrOpenState and fn is not called.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}

// State reports the current breaker state for health reporting.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
