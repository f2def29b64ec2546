package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a token bucket refilled lazily on each call; no background
// timer is needed. Tokens always stay within [0, capacity].
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	rate       float64 // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// NewBucket creates a full bucket refilling at rate tokens per second.
func NewBucket(rate float64, capacity int) *Bucket {
	return &Bucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		rate:       rate,
		lastRefill: time.Now(),
	}
}

func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
		b.lastRefill = now
	}
}

// Consume takes n tokens if available and reports whether it did.
func (b *Bucket) Consume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.refillLocked(now)
	b.lastUsed = now
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// Refund credits tokens back, for example when a second admission gate
// denied a call after this bucket already charged it.
func (b *Bucket) Refund(n float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = min(b.capacity, b.tokens+n)
}

// WaitTime returns how long until n tokens will be available, 0 if they
// already are, and a negative duration if the bucket can never supply them
// (rate is zero or n exceeds capacity).
func (b *Bucket) WaitTime(n float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())
	if b.tokens >= n {
		return 0
	}
	if b.rate <= 0 || n > b.capacity {
		return -1
	}
	deficit := n - b.tokens
	return time.Duration(deficit / b.rate * float64(time.Second))
}

// Tokens returns the current token count after a lazy refill.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}

// Rate returns the refill rate in tokens per second.
func (b *Bucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

// SetRate changes the refill rate, settling accrued tokens first.
func (b *Bucket) SetRate(rate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	b.rate = rate
}

// LastActive reports when the bucket last served a Consume call.
func (b *Bucket) LastActive() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastUsed.IsZero() {
		return b.lastRefill
	}
	return b.lastUsed
}
