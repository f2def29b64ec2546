// Package dispatch runs the worker pool that drains the queue. Each worker
// waits for rate-limiter admission, consults the response cache, and calls
// the backend pool through the circuit breaker. Outcomes feed the adaptive
// rate tuner. A janitor goroutine reclaims stale in-flight work, promotes
// delayed retries, and keeps backend health fresh.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relayq-ai/relayq/pkg/backend"
	"github.com/relayq-ai/relayq/pkg/breaker"
	"github.com/relayq-ai/relayq/pkg/cache"
	"github.com/relayq-ai/relayq/pkg/config"
	"github.com/relayq-ai/relayq/pkg/models"
	"github.com/relayq-ai/relayq/pkg/queue"
	"github.com/relayq-ai/relayq/pkg/ratelimit"
)

// ProcessFunc receives each computed reply. Returning an error sends the
// item down the retry path.
type ProcessFunc func(ctx context.Context, item *models.QueueItem, result *models.GenerateResult) error

// Dispatcher owns the workers and the janitor.
type Dispatcher struct {
	queue    *queue.Queue
	limiter  *ratelimit.Limiter
	adaptive *ratelimit.Adaptive
	breaker  *breaker.Breaker
	pool     *backend.Pool
	cache    *cache.Cache
	cfg      config.QueueConfig
	process  ProcessFunc

	active atomic.Int32
	wg     sync.WaitGroup
}

// New wires a Dispatcher. cache may be nil when response caching is
// disabled; process may be nil when no delivery hook is needed.
func New(q *queue.Queue, l *ratelimit.Limiter, a *ratelimit.Adaptive, b *breaker.Breaker, p *backend.Pool, c *cache.Cache, cfg config.QueueConfig, process ProcessFunc) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		limiter:  l,
		adaptive: a,
		breaker:  b,
		pool:     p,
		cache:    c,
		cfg:      cfg,
		process:  process,
	}
}

// Run starts the workers and the janitor and blocks until ctx is canceled
// and all workers have drained.
func (d *Dispatcher) Run(ctx context.Context) {
	d.pool.HealthCheckAll(ctx)

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.wg.Add(1)
	go d.janitor(ctx)

	log.Printf("dispatcher started with %d workers", d.cfg.Workers)
	d.wg.Wait()
	log.Printf("dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			log.Printf("worker %d: dequeue: %v", id, err)
			d.sleep(ctx, d.cfg.IdlePoll)
			continue
		}
		if item == nil {
			d.sleep(ctx, d.cfg.IdlePoll)
			continue
		}

		d.active.Add(1)
		d.handle(ctx, id, item)
		d.active.Add(-1)
	}
}

func (d *Dispatcher) handle(ctx context.Context, workerID int, item *models.QueueItem) {
	if err := d.limiter.WaitAcquire(ctx, item.RequesterKey, item.Priority); err != nil {
		// Shutdown while waiting for admission. The item stays in the
		// in-flight set and the stale reaper returns it to the queue.
		log.Printf("worker %d: admission wait aborted for %s: %v", workerID, item.ID, err)
		return
	}

	var req models.GenerateRequest
	if err := json.Unmarshal([]byte(item.Payload), &req); err != nil {
		d.fail(ctx, item, fmt.Errorf("malformed payload: %w", err))
		return
	}

	result, err := d.generate(ctx, req)
	if err != nil {
		d.fail(ctx, item, err)
		return
	}

	if d.process != nil {
		if err := d.process(ctx, item, result); err != nil {
			d.fail(ctx, item, fmt.Errorf("deliver reply: %w", err))
			return
		}
	}

	if err := d.queue.Complete(ctx, item.ID); err != nil {
		log.Printf("worker %d: complete %s: %v", workerID, item.ID, err)
	}
}

// generate resolves the request from the cache or, on a miss, through the
// circuit breaker against the backend pool.
func (d *Dispatcher) generate(ctx context.Context, req models.GenerateRequest) (*models.GenerateResult, error) {
	model := d.pool.Model()

	if d.cache != nil {
		if content, ok := d.cache.Get(ctx, req.Prompt, req.System, model, req.Temperature); ok {
			return &models.GenerateResult{Content: content, Model: model, Cached: true}, nil
		}
	}

	var result *models.GenerateResult
	start := time.Now()
	err := d.breaker.Do(func() error {
		var genErr error
		result, genErr = d.pool.Generate(ctx, req)
		return genErr
	})
	latency := time.Since(start)

	if err != nil {
		if !errors.Is(err, breaker.ErrOpen) {
			// A breaker fast-fail never reached a backend, so it is not
			// a latency sample.
			d.adaptive.Record(latency, false)
		}
		return nil, err
	}
	d.adaptive.Record(latency, true)

	if d.cache != nil {
		if err := d.cache.Set(ctx, req.Prompt, req.System, model, req.Temperature, result.Content); err != nil {
			log.Printf("cache store: %v", err)
		}
	}
	return result, nil
}

func (d *Dispatcher) fail(ctx context.Context, item *models.QueueItem, cause error) {
	log.Printf("item %s attempt %d failed: %v", item.ID, item.Attempts+1, cause)
	if err := d.queue.Fail(ctx, item.ID, cause); err != nil {
		log.Printf("fail %s: %v", item.ID, err)
	}
}

// janitor periodically reclaims stale work, promotes delayed retries,
// drops idle requester buckets, and refreshes backend health.
func (d *Dispatcher) janitor(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := d.queue.ReapStale(ctx); err != nil {
			log.Printf("janitor: reap stale: %v", err)
		} else if n > 0 {
			log.Printf("janitor: reclaimed %d stale items", n)
		}

		if n, err := d.queue.PromoteDelayed(ctx); err != nil {
			log.Printf("janitor: promote delayed: %v", err)
		} else if n > 0 {
			log.Printf("janitor: promoted %d delayed items", n)
		}

		if n := d.limiter.CleanupIdle(); n > 0 {
			log.Printf("janitor: dropped %d idle requester buckets", n)
		}

		d.pool.HealthCheckAll(ctx)
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// WorkerStatus reports the pool size and how many workers hold an item.
func (d *Dispatcher) WorkerStatus() models.WorkerStatus {
	return models.WorkerStatus{
		Active: int(d.active.Load()),
		Total:  d.cfg.Workers,
	}
}
