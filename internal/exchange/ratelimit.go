// ratelimit.go implements token-bucket rate limiting for the exchange API.
//
// The exchange meters requests per 5-minute window and additionally throttles
// order placement. A webhook burst (several strategies alerting on the same
// candle close) can otherwise fan out into enough calls to trip the hard
// limit; these buckets smooth the outflow instead. Two buckets are kept:
//
//   - Orders:  16 burst / 8 per sec — order placement, cancels, closes
//   - Queries: 8 burst / 4 per sec  — products, tickers, listings, positions
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuously refilling rate limiter. Callers block in
// Wait until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64 // currently available, fractional while refilling
	capacity float64 // burst ceiling
	rate     float64 // tokens added per second
	last     time.Time
}

// NewTokenBucket creates a bucket with the given burst capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		last:     time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		tb.tokens += now.Sub(tb.last).Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.last = now

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

// RateLimiter groups the buckets by call class. Mutating calls (orders,
// cancels, position closes) draw from Orders; everything else from Queries.
type RateLimiter struct {
	Orders  *TokenBucket
	Queries *TokenBucket
}

// NewRateLimiter creates buckets tuned well inside the exchange's published
// limits; the relay is bursty but low-volume, so headroom beats throughput.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Orders:  NewTokenBucket(16, 8),
		Queries: NewTokenBucket(8, 4),
	}
}
