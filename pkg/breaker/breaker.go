// Package breaker guards the backend pool behind a count-based circuit
// breaker: the circuit opens after a run of consecutive failures, fails
// calls fast while open, and after a recovery delay admits a limited number
// of half-open trials before closing again.
package breaker

import (
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/relayq-ai/relayq/pkg/config"
	"github.com/relayq-ai/relayq/pkg/models"
)

// ErrOpen is returned by Do while the circuit is open; callers treat it as
// transient and route the item through the normal retry path.
var ErrOpen = circuitbreaker.ErrOpen

// Breaker wraps calls to the backend pool.
type Breaker struct {
	cb circuitbreaker.CircuitBreaker[any]
}

// New builds a Breaker from configuration: FailureThreshold consecutive
// failures open the circuit, RecoveryTimeout later it half-opens, and
// HalfOpenSuccesses consecutive successes close it. Any half-open failure
// reopens immediately.
func New(cfg config.BreakerConfig) *Breaker {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(uint(cfg.FailureThreshold)).
		WithDelay(cfg.RecoveryTimeout).
		WithSuccessThreshold(uint(cfg.HalfOpenSuccesses)).
		Build()
	return &Breaker{cb: cb}
}

// Do runs fn under the breaker. While open it returns ErrOpen without
// invoking fn; otherwise fn's result is recorded and returned unchanged.
func (b *Breaker) Do(fn func() error) error {
	if !b.cb.TryAcquirePermit() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.cb.RecordFailure()
		return err
	}
	b.cb.RecordSuccess()
	return nil
}

// State returns the current state as "closed", "open", or "half_open".
func (b *Breaker) State() string {
	switch b.cb.State() {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half_open"
	default:
		return "closed"
	}
}

// Status reports the breaker for the status API.
func (b *Breaker) Status() models.BreakerStatus {
	st := models.BreakerStatus{State: b.State()}
	if d := b.cb.RemainingDelay(); d > 0 {
		st.RemainingDelay = d.String()
	}
	return st
}
