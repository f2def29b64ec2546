package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/relayq-ai/relayq/pkg/config"
	"github.com/relayq-ai/relayq/pkg/models"
	"github.com/relayq-ai/relayq/pkg/store"
)

// ErrQueueFull is returned when the pending queue is at capacity.
var ErrQueueFull = errors.New("queue full")

// ErrRequesterQuota is returned when a requester has too many outstanding items.
var ErrRequesterQuota = errors.New("requester quota exceeded")

// ErrNotFound is returned when an item id does not exist in the addressed store.
var ErrNotFound = errors.New("item not found")

// Store namespaces.
const (
	nsPending        = "queue:pending"
	nsProcessing     = "queue:processing"
	nsDelayed        = "queue:delayed"
	nsDeadLetter     = "queue:dead_letter"
	nsRequesterCount = "queue:requester_count"
	nsMetrics        = "queue:metrics"
)

// scoreUnit separates priority bands in the ordering key. Arrival timestamps
// in microseconds stay well under one band width for any span below ~31
// years, so priority always dominates and earlier arrival wins ties.
const scoreUnit = int64(1_000_000_000_000_000)

// Queue is a durable, priority-ordered work queue with per-requester
// admission caps, in-flight tracking, retry backoff, and dead-lettering.
type Queue struct {
	store store.Store
	cfg   config.QueueConfig

	mu        sync.Mutex
	lastMicro int64
}

// New creates a Queue over the given store.
func New(st store.Store, cfg config.QueueConfig) *Queue {
	return &Queue{store: st, cfg: cfg}
}

// score computes the ordering key: higher priority pops first, and within a
// priority the earlier arrival pops first (pop is by max score).
func score(priority int, at time.Time) int64 {
	return int64(priority)*scoreUnit - at.UnixMicro()
}

// arrivalTime returns a strictly increasing timestamp so same-microsecond
// enqueues keep distinct ids and an unambiguous FIFO order.
func (q *Queue) arrivalTime() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	micro := time.Now().UTC().UnixMicro()
	if micro <= q.lastMicro {
		micro = q.lastMicro + 1
	}
	q.lastMicro = micro
	return time.UnixMicro(micro).UTC()
}

func clampPriority(p int) int {
	if p < models.PriorityLow {
		return models.PriorityLow
	}
	if p > models.PriorityUrgent {
		return models.PriorityUrgent
	}
	return p
}

// Enqueue admits a new item, or rejects it synchronously with ErrQueueFull
// or ErrRequesterQuota.
func (q *Queue) Enqueue(ctx context.Context, requesterKey, payload string, priority int, metadata map[string]string) (string, error) {
	pending, err := q.store.ZCard(ctx, nsPending)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	if pending >= int64(q.cfg.Capacity) {
		return "", fmt.Errorf("%w: %d/%d pending", ErrQueueFull, pending, q.cfg.Capacity)
	}

	outstanding, err := q.outstanding(ctx, requesterKey)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	if outstanding >= int64(q.cfg.RequesterQuota) {
		return "", fmt.Errorf("%w: %s has %d outstanding", ErrRequesterQuota, requesterKey, outstanding)
	}

	now := q.arrivalTime()
	item := &models.QueueItem{
		ID:           models.NewItemID(requesterKey, now),
		RequesterKey: requesterKey,
		Payload:      payload,
		Priority:     clampPriority(priority),
		CreatedAt:    now,
		MaxAttempts:  q.cfg.MaxAttempts,
		Status:       models.StatusPending,
		Metadata:     metadata,
	}

	encoded, err := item.Encode()
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	if err := q.store.ZAdd(ctx, nsPending, encoded, score(item.Priority, now)); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	if _, err := q.store.HIncrBy(ctx, nsRequesterCount, requesterKey, 1); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	q.bumpMetric(ctx, "enqueued")

	log.Printf("enqueued %s priority=%d", item.ID, item.Priority)
	return item.ID, nil
}

// Dequeue atomically removes the highest-priority item and moves it to the
// in-flight set. Returns nil when the queue is empty; it never blocks.
func (q *Queue) Dequeue(ctx context.Context) (*models.QueueItem, error) {
	popped, ok, err := q.store.ZPopMax(ctx, nsPending)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if !ok {
		return nil, nil
	}

	item, err := models.DecodeItem(popped.Member)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	item.Status = models.StatusProcessing
	item.StartedAt = time.Now().UTC()
	encoded, err := item.Encode()
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if err := q.store.HSet(ctx, nsProcessing, item.ID, encoded); err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return item, nil
}

// Complete removes a finished item from the in-flight set and releases the
// requester's outstanding slot.
func (q *Queue) Complete(ctx context.Context, id string) error {
	data, ok, err := q.store.HGet(ctx, nsProcessing, id)
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	if !ok {
		return nil
	}

	item, err := models.DecodeItem(data)
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	if err := q.releaseRequester(ctx, item.RequesterKey); err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	if err := q.store.HDel(ctx, nsProcessing, id); err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	q.bumpMetric(ctx, "completed")
	log.Printf("completed %s", id)
	return nil
}

// Fail records a failed attempt. The item either parks in the delayed set
// for a backoff chosen by attempt count, with its priority decayed one step
// (floor 1), or moves to the dead-letter store once attempts are exhausted.
func (q *Queue) Fail(ctx context.Context, id string, cause error) error {
	data, ok, err := q.store.HGet(ctx, nsProcessing, id)
	if err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}
	if !ok {
		return nil
	}

	item, err := models.DecodeItem(data)
	if err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}

	item.Attempts++
	if cause != nil {
		item.LastError = cause.Error()
	}

	if err := q.store.HDel(ctx, nsProcessing, id); err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}

	if item.Attempts >= item.MaxAttempts {
		item.Status = models.StatusDeadLetter
		encoded, err := item.Encode()
		if err != nil {
			return fmt.Errorf("fail %s: %w", id, err)
		}
		if err := q.store.HSet(ctx, nsDeadLetter, id, encoded); err != nil {
			return fmt.Errorf("fail %s: %w", id, err)
		}
		if err := q.releaseRequester(ctx, item.RequesterKey); err != nil {
			return fmt.Errorf("fail %s: %w", id, err)
		}
		q.bumpMetric(ctx, "dead_letter")
		log.Printf("dead-lettered %s after %d attempts: %v", id, item.Attempts, cause)
		return nil
	}

	delay := q.retryDelay(item.Attempts)
	item.Status = models.StatusPending
	item.Priority = clampPriority(item.Priority - 1)
	item.NotBefore = time.Now().UTC().Add(delay)
	item.StartedAt = time.Time{}

	encoded, err := item.Encode()
	if err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}
	if err := q.store.HSet(ctx, nsDelayed, id, encoded); err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}
	q.bumpMetric(ctx, "retried")
	log.Printf("retrying %s in %s (attempt %d/%d): %v", id, delay, item.Attempts, item.MaxAttempts, cause)
	return nil
}

func (q *Queue) retryDelay(attempts int) time.Duration {
	idx := attempts - 1
	if idx >= len(q.cfg.RetryDelays) {
		idx = len(q.cfg.RetryDelays) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return q.cfg.RetryDelays[idx]
}

// PromoteDelayed returns items whose backoff has elapsed to the pending
// queue. Called periodically by the janitor.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	delayed, err := q.store.HGetAll(ctx, nsDelayed)
	if err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}

	now := time.Now().UTC()
	promoted := 0
	for id, data := range delayed {
		item, err := models.DecodeItem(data)
		if err != nil {
			log.Printf("promote delayed: dropping undecodable item %s: %v", id, err)
			_ = q.store.HDel(ctx, nsDelayed, id)
			continue
		}
		if now.Before(item.NotBefore) {
			continue
		}

		item.NotBefore = time.Time{}
		encoded, err := item.Encode()
		if err != nil {
			return promoted, fmt.Errorf("promote delayed %s: %w", id, err)
		}
		if err := q.store.ZAdd(ctx, nsPending, encoded, score(item.Priority, now)); err != nil {
			return promoted, fmt.Errorf("promote delayed %s: %w", id, err)
		}
		if err := q.store.HDel(ctx, nsDelayed, id); err != nil {
			return promoted, fmt.Errorf("promote delayed %s: %w", id, err)
		}
		promoted++
	}
	return promoted, nil
}

// ReapStale routes in-flight items older than the processing timeout back
// through Fail, recovering work from crashed or hung workers.
func (q *Queue) ReapStale(ctx context.Context) (int, error) {
	processing, err := q.store.HGetAll(ctx, nsProcessing)
	if err != nil {
		return 0, fmt.Errorf("reap stale: %w", err)
	}

	now := time.Now().UTC()
	reaped := 0
	for id, data := range processing {
		item, err := models.DecodeItem(data)
		if err != nil {
			log.Printf("reap stale: dropping undecodable item %s: %v", id, err)
			_ = q.store.HDel(ctx, nsProcessing, id)
			continue
		}
		if item.StartedAt.IsZero() || now.Sub(item.StartedAt) <= q.cfg.ProcessingTimeout {
			continue
		}
		if err := q.Fail(ctx, id, errors.New("processing timeout")); err != nil {
			return reaped, err
		}
		reaped++
	}
	if reaped > 0 {
		log.Printf("reaped %d stale in-flight items", reaped)
	}
	return reaped, nil
}

// Pending lists up to limit queued items in dequeue order, without removal.
func (q *Queue) Pending(ctx context.Context, limit int) ([]*models.QueueItem, error) {
	members, err := q.store.ZRange(ctx, nsPending, limit)
	if err != nil {
		return nil, fmt.Errorf("pending: %w", err)
	}
	items := make([]*models.QueueItem, 0, len(members))
	for _, m := range members {
		item, err := models.DecodeItem(m.Member)
		if err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Processing lists all in-flight items.
func (q *Queue) Processing(ctx context.Context) ([]*models.QueueItem, error) {
	processing, err := q.store.HGetAll(ctx, nsProcessing)
	if err != nil {
		return nil, fmt.Errorf("processing: %w", err)
	}
	items := make([]*models.QueueItem, 0, len(processing))
	for _, data := range processing {
		item, err := models.DecodeItem(data)
		if err != nil {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].StartedAt.Before(items[j].StartedAt) })
	return items, nil
}

// DeadLetters lists up to limit dead-lettered items, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]*models.QueueItem, error) {
	dead, err := q.store.HGetAll(ctx, nsDeadLetter)
	if err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}
	items := make([]*models.QueueItem, 0, len(dead))
	for _, data := range dead {
		item, err := models.DecodeItem(data)
		if err != nil {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// RequeueDeadLetter returns a dead-lettered item to pending with attempts
// reset and priority raised to maximum. Returns ErrNotFound if absent.
func (q *Queue) RequeueDeadLetter(ctx context.Context, id string) error {
	data, ok, err := q.store.HGet(ctx, nsDeadLetter, id)
	if err != nil {
		return fmt.Errorf("requeue dead letter %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	item, err := models.DecodeItem(data)
	if err != nil {
		return fmt.Errorf("requeue dead letter %s: %w", id, err)
	}

	item.Attempts = 0
	item.Status = models.StatusPending
	item.Priority = models.PriorityUrgent
	item.LastError = ""

	// Remove before re-adding so the item is never in both stores.
	if err := q.store.HDel(ctx, nsDeadLetter, id); err != nil {
		return fmt.Errorf("requeue dead letter %s: %w", id, err)
	}

	encoded, err := item.Encode()
	if err != nil {
		return fmt.Errorf("requeue dead letter %s: %w", id, err)
	}
	if err := q.store.ZAdd(ctx, nsPending, encoded, score(item.Priority, time.Now().UTC())); err != nil {
		return fmt.Errorf("requeue dead letter %s: %w", id, err)
	}
	if _, err := q.store.HIncrBy(ctx, nsRequesterCount, item.RequesterKey, 1); err != nil {
		return fmt.Errorf("requeue dead letter %s: %w", id, err)
	}
	log.Printf("requeued dead letter %s", id)
	return nil
}

// PurgeDeadLetters removes every dead-lettered item and returns the count.
func (q *Queue) PurgeDeadLetters(ctx context.Context) (int64, error) {
	dead, err := q.store.HGetAll(ctx, nsDeadLetter)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	for id := range dead {
		if err := q.store.HDel(ctx, nsDeadLetter, id); err != nil {
			return 0, fmt.Errorf("purge dead letters: %w", err)
		}
	}
	return int64(len(dead)), nil
}

// Status returns queue depth counters and metric totals.
func (q *Queue) Status(ctx context.Context) (models.QueueStatus, error) {
	var st models.QueueStatus
	var err error

	if st.Pending, err = q.store.ZCard(ctx, nsPending); err != nil {
		return st, fmt.Errorf("status: %w", err)
	}
	if st.Processing, err = q.store.HLen(ctx, nsProcessing); err != nil {
		return st, fmt.Errorf("status: %w", err)
	}
	if st.DeadLetterCount, err = q.store.HLen(ctx, nsDeadLetter); err != nil {
		return st, fmt.Errorf("status: %w", err)
	}
	if st.Delayed, err = q.store.HLen(ctx, nsDelayed); err != nil {
		return st, fmt.Errorf("status: %w", err)
	}

	raw, err := q.store.HGetAll(ctx, nsMetrics)
	if err != nil {
		return st, fmt.Errorf("status: %w", err)
	}
	st.Metrics = make(map[string]int64, len(raw))
	for k, v := range raw {
		n, _ := strconv.ParseInt(v, 10, 64)
		st.Metrics[k] = n
	}

	st.QueueHealth = "healthy"
	if st.Pending >= int64(q.cfg.Capacity)*8/10 {
		st.QueueHealth = "warning"
	}
	return st, nil
}

func (q *Queue) outstanding(ctx context.Context, requesterKey string) (int64, error) {
	raw, ok, err := q.store.HGet(ctx, nsRequesterCount, requesterKey)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (q *Queue) releaseRequester(ctx context.Context, requesterKey string) error {
	n, err := q.outstanding(ctx, requesterKey)
	if err != nil {
		return err
	}
	if n <= 0 {
		return nil
	}
	_, err = q.store.HIncrBy(ctx, nsRequesterCount, requesterKey, -1)
	return err
}

func (q *Queue) bumpMetric(ctx context.Context, name string) {
	if _, err := q.store.HIncrBy(ctx, nsMetrics, name, 1); err != nil {
		log.Printf("metric %s: %v", name, err)
	}
}
