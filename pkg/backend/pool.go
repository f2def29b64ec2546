package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/relayq-ai/relayq/pkg/config"
	"github.com/relayq-ai/relayq/pkg/models"
)

// ErrNoHealthyEndpoints is returned when every endpoint is down even after
// an on-demand recovery pass.
var ErrNoHealthyEndpoints = errors.New("no healthy backend endpoints")

// Pool holds a fixed set of endpoints and selects a healthy one per call,
// round-robin. When none are healthy it rechecks the unhealthy ones before
// giving up, so a recovered backend is picked up without operator action.
type Pool struct {
	endpoints []*Endpoint

	mu   sync.Mutex
	next int
}

// NewPool creates a Pool from backend configuration.
func NewPool(cfgs []config.BackendConfig) *Pool {
	p := &Pool{}
	for _, cfg := range cfgs {
		p.endpoints = append(p.endpoints, NewEndpoint(cfg))
	}
	return p
}

// HealthCheckAll probes every endpoint; used at startup and by the janitor.
func (p *Pool) HealthCheckAll(ctx context.Context) {
	for _, e := range p.endpoints {
		e.HealthCheck(ctx)
	}
}

// PickHealthy returns the next healthy endpoint in rotation, or
// ErrNoHealthyEndpoints after a failed recovery attempt.
func (p *Pool) PickHealthy(ctx context.Context) (*Endpoint, error) {
	if e := p.pick(); e != nil {
		return e, nil
	}

	p.recover(ctx)

	if e := p.pick(); e != nil {
		return e, nil
	}
	return nil, ErrNoHealthyEndpoints
}

func (p *Pool) pick() *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < len(p.endpoints); i++ {
		e := p.endpoints[(p.next+i)%len(p.endpoints)]
		if e.Healthy() {
			p.next = (p.next + i + 1) % len(p.endpoints)
			return e
		}
	}
	return nil
}

func (p *Pool) recover(ctx context.Context) {
	recovering := 0
	for _, e := range p.endpoints {
		if !e.Healthy() {
			recovering++
			e.HealthCheck(ctx)
		}
	}
	if recovering > 0 {
		log.Printf("attempted recovery of %d unhealthy endpoints", recovering)
	}
}

// Generate picks a healthy endpoint and performs one call, failing over to
// the remaining healthy endpoints if the first attempt errors.
func (p *Pool) Generate(ctx context.Context, req models.GenerateRequest) (*models.GenerateResult, error) {
	var lastErr error
	for attempt := 0; attempt < len(p.endpoints); attempt++ {
		e, err := p.PickHealthy(ctx)
		if err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return nil, err
		}

		result, err := e.Generate(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		log.Printf("endpoint %s failed, trying next: %v", e.Address(), err)
	}
	if lastErr == nil {
		lastErr = ErrNoHealthyEndpoints
	}
	return nil, lastErr
}

// Model returns the model the pool serves. Endpoints are interchangeable
// replicas, so the first endpoint's model stands for all of them.
func (p *Pool) Model() string {
	if len(p.endpoints) == 0 {
		return ""
	}
	return p.endpoints[0].Model()
}

// HealthyCount returns how many endpoints are currently healthy.
func (p *Pool) HealthyCount() int {
	n := 0
	for _, e := range p.endpoints {
		if e.Healthy() {
			n++
		}
	}
	return n
}

// Status reports every endpoint for the status API.
func (p *Pool) Status() []models.EndpointStatus {
	out := make([]models.EndpointStatus, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		out = append(out, e.Status())
	}
	return out
}
