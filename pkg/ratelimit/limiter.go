package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/relayq-ai/relayq/pkg/config"
	"github.com/relayq-ai/relayq/pkg/models"
)

const admitWindow = time.Minute

// Limiter gates backend admission behind a global bucket and one lazily
// created bucket per requester. Admission needs tokens from both; when the
// requester bucket denies, the already-consumed global token is refunded so
// capacity is not leaked. Item priority scales the requester charge: a
// priority-10 call costs half a token, a priority-1 call two.
type Limiter struct {
	global *Bucket
	cfg    config.RateLimitConfig

	mu         sync.Mutex
	requesters map[string]*Bucket

	admitMu         sync.Mutex
	admits          []time.Time
	requesterAdmits map[string][]time.Time
}

// New creates a Limiter from per-minute configuration.
func New(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		global:          NewBucket(cfg.GlobalPerMinute/60, cfg.GlobalBurst),
		cfg:             cfg,
		requesters:      make(map[string]*Bucket),
		requesterAdmits: make(map[string][]time.Time),
	}
}

// PriorityMultiplier maps an item priority to its admission discount,
// clamped to [0.5, 2.0]; higher priority buys proportionally cheaper calls.
func PriorityMultiplier(priority int) float64 {
	m := float64(priority) / float64(models.PriorityNormal)
	if m < 0.5 {
		return 0.5
	}
	if m > 2.0 {
		return 2.0
	}
	return m
}

func (l *Limiter) requesterBucket(key string) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.requesters[key]
	if !ok {
		b = NewBucket(l.cfg.RequesterPerMinute/60, l.cfg.RequesterBurst)
		l.requesters[key] = b
	}
	return b
}

// Acquire attempts a non-blocking admission for one call.
func (l *Limiter) Acquire(requesterKey string, priority int) bool {
	if !l.global.Consume(1) {
		return false
	}

	cost := 1 / PriorityMultiplier(priority)
	if !l.requesterBucket(requesterKey).Consume(cost) {
		l.global.Refund(1)
		return false
	}

	l.recordAdmit(requesterKey)
	return true
}

// WaitAcquire blocks cooperatively until admission succeeds or the context
// is done. The sleep length is computed from each bucket's token deficit
// rather than polling blindly.
func (l *Limiter) WaitAcquire(ctx context.Context, requesterKey string, priority int) error {
	cost := 1 / PriorityMultiplier(priority)

	for {
		if l.Acquire(requesterKey, priority) {
			return nil
		}

		wait := l.global.WaitTime(1)
		if rw := l.requesterBucket(requesterKey).WaitTime(cost); rw > wait {
			wait = rw
		}
		// A paused bucket (rate 0) reports a negative wait; retry on a
		// coarse interval in case the adaptive controller raises the rate.
		if wait <= 0 {
			wait = time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) recordAdmit(requesterKey string) {
	now := time.Now()
	cutoff := now.Add(-admitWindow)

	l.admitMu.Lock()
	defer l.admitMu.Unlock()
	l.admits = trimBefore(append(l.admits, now), cutoff)
	l.requesterAdmits[requesterKey] = trimBefore(append(l.requesterAdmits[requesterKey], now), cutoff)
}

func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

// CleanupIdle drops requester buckets unused for the idle expiry window.
// Returns how many were removed.
func (l *Limiter) CleanupIdle() int {
	cutoff := time.Now().Add(-l.cfg.BucketIdleExpiry)

	l.mu.Lock()
	var idle []string
	for key, b := range l.requesters {
		if b.LastActive().Before(cutoff) {
			idle = append(idle, key)
		}
	}
	for _, key := range idle {
		delete(l.requesters, key)
	}
	l.mu.Unlock()

	l.admitMu.Lock()
	for _, key := range idle {
		delete(l.requesterAdmits, key)
	}
	l.admitMu.Unlock()

	if len(idle) > 0 {
		log.Printf("cleaned up %d idle requester buckets", len(idle))
	}
	return len(idle)
}

// GlobalRate returns the current global refill rate in tokens per second.
func (l *Limiter) GlobalRate() float64 {
	return l.global.Rate()
}

// SetGlobalRate retunes the global refill rate in tokens per second.
func (l *Limiter) SetGlobalRate(rate float64) {
	l.global.SetRate(rate)
}

// Status reports current tuning and observed admission throughput.
func (l *Limiter) Status() models.RateLimiterStatus {
	now := time.Now()
	cutoff := now.Add(-admitWindow)

	l.admitMu.Lock()
	l.admits = trimBefore(l.admits, cutoff)
	rpm := len(l.admits)
	perRequester := make(map[string]int)
	for key, ts := range l.requesterAdmits {
		ts = trimBefore(ts, cutoff)
		l.requesterAdmits[key] = ts
		if len(ts) > 0 {
			perRequester[key] = len(ts)
		}
	}
	l.admitMu.Unlock()

	l.mu.Lock()
	active := len(l.requesters)
	l.mu.Unlock()

	return models.RateLimiterStatus{
		GlobalRate:       l.global.Rate(),
		GlobalTokens:     l.global.Tokens(),
		GlobalRPM:        rpm,
		RequesterRPM:     perRequester,
		ActiveRequesters: active,
	}
}
