// ratelimit.go implements weight-based rate limiting for the venue REST API.
//
// The venue meters requests by weight per rolling minute rather than by
// count. Each endpoint has a published weight (an account snapshot costs far
// more than a ticker read), and exceeding the per-minute ceiling earns bans.
// A token bucket with continuous refill models the rolling window; the
// configured buffer percentage keeps steady-state usage below the ceiling so
// bursts from the reconciliation jobs never trip it.
package exchange

import (
	"context"
	"sync"
	"time"
)

// Endpoint weights published by the venue.
const (
	WeightTicker       = 2  // batch ticker price, all symbols
	WeightBookTicker   = 2  // best bid/ask
	WeightKlines       = 5  // candle history
	WeightOpenInterest = 1  // per symbol
	WeightExchangeInfo = 1  // symbol filters
	WeightAccount      = 5  // balances + positions
	WeightPositionRisk = 5  // per-symbol position snapshot
	WeightUserTrades   = 5  // trade history page
	WeightIncome       = 30 // income history page
	WeightOrder        = 1  // place / cancel / query single order
	WeightOpenOrders   = 40 // all open orders, no symbol filter
)

// WeightBucket is a token bucket denominated in request weight. Wait blocks
// until the requested weight is available or ctx is cancelled.
type WeightBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // weight refilled per second
	lastTime time.Time
}

// NewWeightBucket builds a bucket from the venue's per-minute weight ceiling
// and a safety buffer percentage. With ceiling 2400 and buffer 20, usable
// weight is 1920/min refilled at 32/sec.
func NewWeightBucket(ceilingPerMinute int, bufferPct float64) *WeightBucket {
	usable := float64(ceilingPerMinute) * (1 - bufferPct/100)
	if usable < 1 {
		usable = 1
	}
	return &WeightBucket{
		tokens:   usable,
		capacity: usable,
		rate:     usable / 60,
		lastTime: time.Now(),
	}
}

// Wait blocks until weight tokens are available or ctx is cancelled.
func (b *WeightBucket) Wait(ctx context.Context, weight int) error {
	need := float64(weight)
	for {
		b.mu.Lock()
		now := time.Now()
		b.tokens += now.Sub(b.lastTime).Seconds() * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastTime = now

		if b.tokens >= need {
			b.tokens -= need
			b.mu.Unlock()
			return nil
		}

		wait := time.Duration((need - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Available returns the currently usable weight, for the health endpoint.
func (b *WeightBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.tokens += now.Sub(b.lastTime).Seconds() * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastTime = now
	return b.tokens
}
