// ratelimit.go implements token-bucket rate limiting for venue APIs.
//
// Venues publish per-category limits over 10-second windows. The bucket
// refills continuously (rather than in 10s bursts) so sustained traffic
// stays smoothly under the hard limit. Each connector holds one Limiter and
// calls the appropriate bucket's Wait before every HTTP request — this is
// also the backstop that keeps execution retries inside venue order-rate
// limits.
package venue

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a rate limiter with continuous refill. Callers block in
// Wait until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// Limiter groups token buckets by endpoint category. Order placement and
// cancellation get their own buckets so a discovery burst can never starve
// an execution or an emergency cancel.
type Limiter struct {
	Order  *TokenBucket // order placement
	Cancel *TokenBucket // order cancellation
	Market *TokenBucket // contract listings and quote reads
}

// NewLimiter creates a limiter tuned to a venue's published window limits.
// Capacities are the 10-second burst allowance, rates 1/10th for smooth
// refill.
func NewLimiter(orderPer10s, cancelPer10s, marketPer10s float64) *Limiter {
	return &Limiter{
		Order:  NewTokenBucket(orderPer10s, orderPer10s/10),
		Cancel: NewTokenBucket(cancelPer10s, cancelPer10s/10),
		Market: NewTokenBucket(marketPer10s, marketPer10s/10),
	}
}
