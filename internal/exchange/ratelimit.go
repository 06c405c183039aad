// ratelimit.go implements token-bucket rate limiting for the Binance
// futures REST API.
//
// Binance enforces request-weight limits per minute (2400 weight) plus a
// separate order-count limit (300 orders per 10s). Two smooth buckets that
// refill continuously keep us comfortably inside both without bursting
// against the hard window edges.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
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

		// Calculate wait time for next token
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

// RateLimiter groups token buckets by Binance limit category. Order
// submissions draw from Order; everything else (klines, positions, open
// orders) draws from Query.
type RateLimiter struct {
	Order *TokenBucket // POST /fapi/v1/order
	Query *TokenBucket // klines, positionRisk, openOrders
}

// NewRateLimiter creates buckets tuned well under Binance's published
// limits: 300 orders / 10s and 2400 request weight / min.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order: NewTokenBucket(100, 20), // 300 per 10s window, kept at 2/3
		Query: NewTokenBucket(60, 10),  // klines weight 1-5, ample headroom
	}
}
