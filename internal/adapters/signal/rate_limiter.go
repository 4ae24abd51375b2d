package signal

import (
	"sync"
	"time"

	"github.com/dkeye/liveshare/internal/core"
	"golang.org/x/time/rate"
)

// RateLimiter applies a token bucket per client to inbound ops.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[core.ClientID]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// NewRateLimiter returns nil, which allows everything, if rps or burst is not
// positive.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &RateLimiter{
		buckets: make(map[core.ClientID]*rate.Limiter),
		limit:   rate.Limit(rps),
		burst:   burst,
	}
}

func (rl *RateLimiter) Allow(id core.ClientID, now time.Time) bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[id]
	if !ok {
		b = rate.NewLimiter(rl.limit, rl.burst)
		rl.buckets[id] = b
	}
	return b.AllowN(now, 1)
}

// Forget drops the bucket of a client that left.
func (rl *RateLimiter) Forget(id core.ClientID) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.buckets, id)
	rl.mu.Unlock()
}
