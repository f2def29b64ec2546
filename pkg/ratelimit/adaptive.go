package ratelimit

import (
	"log"
	"sync"
	"time"

	"github.com/relayq-ai/relayq/pkg/config"
)

const (
	sampleHistory = 100
	sampleWindow  = 20
	minSamples    = 10
)

type sample struct {
	latency time.Duration
	success bool
}

// Adaptive is a closed-loop congestion controller over a Limiter's global
// rate: when observed latency runs 50% past target or the success rate drops
// below 80%, the refill rate is cut 20%; when latency is comfortably under
// target and successes exceed 95%, it grows 20%. Adjustments are floored and
// capped by configuration.
type Adaptive struct {
	limiter *Limiter
	cfg     config.AdaptiveConfig

	mu         sync.Mutex
	samples    []sample
	lastAdjust time.Time
}

// NewAdaptive wraps a limiter with adaptive rate tuning.
func NewAdaptive(l *Limiter, cfg config.AdaptiveConfig) *Adaptive {
	return &Adaptive{
		limiter:    l,
		cfg:        cfg,
		lastAdjust: time.Now(),
	}
}

// Record stores one backend observation and retunes when the adjustment
// interval has elapsed.
func (a *Adaptive) Record(latency time.Duration, success bool) {
	a.mu.Lock()
	a.samples = append(a.samples, sample{latency: latency, success: success})
	if len(a.samples) > sampleHistory {
		a.samples = a.samples[len(a.samples)-sampleHistory:]
	}
	due := time.Since(a.lastAdjust) >= a.cfg.Interval
	a.mu.Unlock()

	if due {
		a.Adjust()
	}
}

// Adjust inspects the recent sample window and retunes the global rate.
func (a *Adaptive) Adjust() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastAdjust = time.Now()
	if !a.cfg.Enabled {
		return
	}
	if len(a.samples) < minSamples {
		return
	}

	recent := a.samples
	if len(recent) > sampleWindow {
		recent = recent[len(recent)-sampleWindow:]
	}

	var totalLatency time.Duration
	successes := 0
	for _, s := range recent {
		totalLatency += s.latency
		if s.success {
			successes++
		}
	}
	avgLatency := totalLatency / time.Duration(len(recent))
	successRate := float64(successes) / float64(len(recent))

	current := a.limiter.GlobalRate()
	minRate := a.cfg.MinPerMinute / 60
	maxRate := a.cfg.MaxPerMinute / 60
	target := a.cfg.TargetLatency

	next := current
	switch {
	case avgLatency > target*3/2 || successRate < 0.8:
		next = max(minRate, current*0.8)
	case avgLatency < target*7/10 && successRate > 0.95:
		next = min(maxRate, current*1.2)
	}

	if next != current {
		a.limiter.SetGlobalRate(next)
		log.Printf("adjusted global rate: %.1f -> %.1f rpm (latency %s, success %.0f%%)",
			current*60, next*60, avgLatency, successRate*100)
	}
}
