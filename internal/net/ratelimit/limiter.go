package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Pacer spaces out message sends per endpoint using a token bucket. The feed
// caps subscription messages at 100 instruments each and drops clients that
// blast chunks back-to-back, so subscribe loops Wait between sends.
type Pacer struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewPacer creates a pacer allowing rps sends per second with the given
// burst per endpoint.
func NewPacer(rps float64, burst int) *Pacer {
	return &Pacer{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

// getLimiter returns or creates the limiter for an endpoint.
func (p *Pacer) getLimiter(endpoint string) *rate.Limiter {
	p.mu.RLock()
	limiter, exists := p.limiters[endpoint]
	p.mu.RUnlock()

	if exists {
		return limiter
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := p.limiters[endpoint]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.limiters[endpoint] = limiter
	return limiter
}

// Allow reports whether a send may proceed immediately.
func (p *Pacer) Allow(endpoint string) bool {
	return p.getLimiter(endpoint).Allow()
}

// Wait blocks until a send may proceed or the context is done.
func (p *Pacer) Wait(ctx context.Context, endpoint string) error {
	return p.getLimiter(endpoint).Wait(ctx)
}
