package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/relayq-ai/relayq/pkg/config"
	"github.com/relayq-ai/relayq/pkg/models"
	"github.com/relayq-ai/relayq/pkg/store"
)

func testConfig() config.QueueConfig {
	return config.QueueConfig{
		Capacity:          100,
		Workers:           1,
		MaxAttempts:       3,
		RetryDelays:       []time.Duration{0},
		RequesterQuota:    10,
		ProcessingTimeout: time.Minute,
		IdlePoll:          10 * time.Millisecond,
		JanitorInterval:   time.Minute,
	}
}

func newTestQueue(t *testing.T, cfg config.QueueConfig) *Queue {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "queue_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, cfg)
}

func TestPriorityOrder(t *testing.T) {
	q := newTestQueue(t, testConfig())
	ctx := context.Background()

	for i, prio := range []int{models.PriorityLow, models.PriorityUrgent, models.PriorityNormal} {
		if _, err := q.Enqueue(ctx, "alice", string(rune('a'+i)), prio, nil); err != nil {
			t.Fatal(err)
		}
	}

	want := []int{models.PriorityUrgent, models.PriorityNormal, models.PriorityLow}
	for _, prio := range want {
		item, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if item == nil {
			t.Fatalf("queue empty, expected priority %d", prio)
		}
		if item.Priority != prio {
			t.Errorf("dequeued priority %d, want %d", item.Priority, prio)
		}
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	q := newTestQueue(t, testConfig())
	ctx := context.Background()

	payloads := []string{"first", "second", "third"}
	for _, p := range payloads {
		if _, err := q.Enqueue(ctx, "alice", p, models.PriorityNormal, nil); err != nil {
			t.Fatal(err)
		}
	}

	for _, want := range payloads {
		item, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if item == nil || item.Payload != want {
			t.Fatalf("got %+v, want payload %q", item, want)
		}
	}
}

func TestDequeueEmpty(t *testing.T) {
	q := newTestQueue(t, testConfig())

	item, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if item != nil {
		t.Errorf("got %+v from an empty queue", item)
	}
}

func TestQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 2
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "alice", "a", 5, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, "bob", "b", 5, nil); err != nil {
		t.Fatal(err)
	}

	_, err := q.Enqueue(ctx, "carol", "c", 5, nil)
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("got %v, want ErrQueueFull", err)
	}
}

func TestRequesterQuota(t *testing.T) {
	cfg := testConfig()
	cfg.RequesterQuota = 1
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "alice", "a", 5, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := q.Enqueue(ctx, "alice", "b", 5, nil); !errors.Is(err, ErrRequesterQuota) {
		t.Errorf("got %v, want ErrRequesterQuota", err)
	}

	// Other requesters are unaffected.
	if _, err := q.Enqueue(ctx, "bob", "c", 5, nil); err != nil {
		t.Fatal(err)
	}
}

func TestCompleteReleasesQuota(t *testing.T) {
	cfg := testConfig()
	cfg.RequesterQuota = 1
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "alice", "a", 5, nil); err != nil {
		t.Fatal(err)
	}
	item, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// The slot is held through processing, not just while pending.
	if _, err := q.Enqueue(ctx, "alice", "b", 5, nil); !errors.Is(err, ErrRequesterQuota) {
		t.Fatalf("got %v, want ErrRequesterQuota while in flight", err)
	}

	if err := q.Complete(ctx, item.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, "alice", "b", 5, nil); err != nil {
		t.Errorf("enqueue after completion: %v", err)
	}
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	cfg := testConfig()
	cfg.RequesterQuota = 1
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "alice", "a", models.PriorityUrgent, nil)
	if err != nil {
		t.Fatal(err)
	}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		item, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if item == nil {
			t.Fatalf("attempt %d: queue empty", attempt)
		}
		if err := q.Fail(ctx, item.ID, errors.New("backend down")); err != nil {
			t.Fatal(err)
		}
		if attempt < cfg.MaxAttempts {
			// Zero backoff, so the retry is immediately promotable.
			if _, err := q.PromoteDelayed(ctx); err != nil {
				t.Fatal(err)
			}
		}
	}

	dead, err := q.DeadLetters(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	if dead[0].ID != id {
		t.Errorf("dead letter id = %s, want %s", dead[0].ID, id)
	}
	if dead[0].Attempts != cfg.MaxAttempts {
		t.Errorf("attempts = %d, want %d", dead[0].Attempts, cfg.MaxAttempts)
	}
	if dead[0].LastError != "backend down" {
		t.Errorf("last error = %q", dead[0].LastError)
	}

	// Dead-lettering releases the requester's slot.
	if _, err := q.Enqueue(ctx, "alice", "b", 5, nil); err != nil {
		t.Errorf("enqueue after dead-letter: %v", err)
	}
}

func TestPriorityDecaysOnRetry(t *testing.T) {
	q := newTestQueue(t, testConfig())
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "alice", "a", models.PriorityNormal, nil); err != nil {
		t.Fatal(err)
	}

	item, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(ctx, item.ID, errors.New("flaky")); err != nil {
		t.Fatal(err)
	}
	if _, err := q.PromoteDelayed(ctx); err != nil {
		t.Fatal(err)
	}

	retried, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if retried == nil {
		t.Fatal("retry not promoted")
	}
	if retried.Priority != models.PriorityNormal-1 {
		t.Errorf("priority = %d, want %d", retried.Priority, models.PriorityNormal-1)
	}
}

func TestDelayedWaitsOutBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.RetryDelays = []time.Duration{time.Hour}
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "alice", "a", 5, nil); err != nil {
		t.Fatal(err)
	}
	item, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(ctx, item.ID, errors.New("slow down")); err != nil {
		t.Fatal(err)
	}

	n, err := q.PromoteDelayed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("promoted %d items before backoff elapsed", n)
	}

	if item, _ := q.Dequeue(ctx); item != nil {
		t.Errorf("dequeued %s while it should be parked", item.ID)
	}
}

func TestReapStale(t *testing.T) {
	cfg := testConfig()
	cfg.ProcessingTimeout = time.Millisecond
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "alice", "a", 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)

	reaped, err := q.ReapStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}

	// Reaping counts as a failed attempt and parks the item for retry.
	if _, err := q.PromoteDelayed(ctx); err != nil {
		t.Fatal(err)
	}
	item, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if item == nil || item.ID != id {
		t.Fatalf("got %+v, want reclaimed item %s", item, id)
	}
	if item.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", item.Attempts)
	}
}

func TestRequeueDeadLetter(t *testing.T) {
	q := newTestQueue(t, testConfig())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "alice", "a", models.PriorityLow, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		item, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if err := q.Fail(ctx, item.ID, errors.New("broken")); err != nil {
			t.Fatal(err)
		}
		if _, err := q.PromoteDelayed(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if err := q.RequeueDeadLetter(ctx, id); err != nil {
		t.Fatal(err)
	}

	dead, err := q.DeadLetters(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 0 {
		t.Errorf("dead letters = %d after requeue, want 0", len(dead))
	}

	item, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if item == nil || item.ID != id {
		t.Fatalf("got %+v, want requeued item %s", item, id)
	}
	if item.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", item.Attempts)
	}
	if item.Priority != models.PriorityUrgent {
		t.Errorf("priority = %d, want %d", item.Priority, models.PriorityUrgent)
	}
}

func TestRequeueDeadLetterMissing(t *testing.T) {
	q := newTestQueue(t, testConfig())

	err := q.RequeueDeadLetter(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestPurgeDeadLetters(t *testing.T) {
	q := newTestQueue(t, testConfig())
	ctx := context.Background()

	for _, requester := range []string{"alice", "bob"} {
		if _, err := q.Enqueue(ctx, requester, "x", 5, nil); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 3; i++ {
			item, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if err := q.Fail(ctx, item.ID, errors.New("broken")); err != nil {
				t.Fatal(err)
			}
			if _, err := q.PromoteDelayed(ctx); err != nil {
				t.Fatal(err)
			}
		}
	}

	n, err := q.PurgeDeadLetters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("purged = %d, want 2", n)
	}
}

func TestStatusAndHealth(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 5
	q := newTestQueue(t, cfg)
	ctx := context.Background()

	st, err := q.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.QueueHealth != "healthy" {
		t.Errorf("health = %q on empty queue", st.QueueHealth)
	}

	for i := 0; i < 4; i++ {
		if _, err := q.Enqueue(ctx, "alice", "x", 5, nil); err != nil {
			t.Fatal(err)
		}
	}

	st, err = q.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Pending != 4 {
		t.Errorf("pending = %d, want 4", st.Pending)
	}
	if st.QueueHealth != "warning" {
		t.Errorf("health = %q at 80%% capacity, want warning", st.QueueHealth)
	}
	if st.Metrics["enqueued"] != 4 {
		t.Errorf("enqueued metric = %d, want 4", st.Metrics["enqueued"])
	}
}

func TestPendingListingDoesNotConsume(t *testing.T) {
	q := newTestQueue(t, testConfig())
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "alice", "a", models.PriorityHigh, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, "bob", "b", models.PriorityLow, nil); err != nil {
		t.Fatal(err)
	}

	items, err := q.Pending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("listed %d items, want 2", len(items))
	}
	if items[0].Priority != models.PriorityHigh {
		t.Errorf("first listed priority = %d, want dequeue order", items[0].Priority)
	}

	st, err := q.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Pending != 2 {
		t.Errorf("pending = %d after listing, want 2", st.Pending)
	}
}
