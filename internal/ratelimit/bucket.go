// Package ratelimit provides the token bucket the relay server uses to bound
// per-connection signaling message rates.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Bucket is a token bucket refilling at an integer rate of tokens per second.
// Refill is computed in nanosecond-granularity fixed point so no float
// rounding accumulates.
type Bucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // tokens
	rate     int64 // tokens per second

	// available is measured in nano-tokens: one token is 1e9 nano-tokens, so
	// a rate of N tokens/sec adds N nano-tokens per elapsed nanosecond.
	available int64
	last      time.Time
}

const nanoPerToken = int64(time.Second)

func NewBucket(clock Clock, capacity, rate int64) *Bucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &Bucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: capacity * nanoPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *Bucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	cost := n * nanoPerToken
	if cost/nanoPerToken != n || b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *Bucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if elapsed <= 0 || b.rate <= 0 || b.capacity <= 0 {
		return
	}

	max := b.capacity * nanoPerToken
	need := max - b.available
	if need <= 0 {
		b.available = max
		return
	}
	// If enough time passed to fill the bucket, clamp instead of risking
	// overflow in elapsed*rate.
	if elapsed >= need/b.rate {
		b.available = max
		return
	}
	b.available += elapsed * b.rate
}
