package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relayq-ai/relayq/pkg/backend"
	"github.com/relayq-ai/relayq/pkg/breaker"
	"github.com/relayq-ai/relayq/pkg/cache"
	"github.com/relayq-ai/relayq/pkg/config"
	"github.com/relayq-ai/relayq/pkg/models"
	"github.com/relayq-ai/relayq/pkg/queue"
	"github.com/relayq-ai/relayq/pkg/ratelimit"
	"github.com/relayq-ai/relayq/pkg/store"
)

const testModel = "llama3:latest"

type harness struct {
	queue      *queue.Queue
	dispatcher *Dispatcher
	backend    *httptest.Server

	mu       sync.Mutex
	genCalls int
	replies  map[string]*models.GenerateResult
}

// newHarness wires a dispatcher against a fake backend that echoes the
// prompt. failGen makes every generation call return 500.
func newHarness(t *testing.T, failGen bool, withCache bool) *harness {
	t.Helper()

	h := &harness{replies: make(map[string]*models.GenerateResult)}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"models":[{"name":%q}]}`, testModel)
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.genCalls++
		h.mu.Unlock()
		if failGen {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		prompt := ""
		if len(req.Messages) > 0 {
			prompt = req.Messages[len(req.Messages)-1].Content
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message":    map[string]string{"role": "assistant", "content": "echo: " + prompt},
			"eval_count": 7,
		})
	})
	h.backend = httptest.NewServer(mux)
	t.Cleanup(h.backend.Close)

	st, err := store.New(filepath.Join(t.TempDir(), "dispatch_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	qcfg := config.QueueConfig{
		Capacity:          100,
		Workers:           2,
		MaxAttempts:       2,
		RetryDelays:       []time.Duration{time.Hour},
		RequesterQuota:    10,
		ProcessingTimeout: time.Minute,
		IdlePoll:          5 * time.Millisecond,
		JanitorInterval:   time.Hour,
	}
	h.queue = queue.New(st, qcfg)

	limiter := ratelimit.New(config.RateLimitConfig{
		GlobalPerMinute:    60000,
		GlobalBurst:        100,
		RequesterPerMinute: 60000,
		RequesterBurst:     100,
		BucketIdleExpiry:   time.Hour,
	})
	adaptive := ratelimit.NewAdaptive(limiter, config.AdaptiveConfig{
		Enabled:       true,
		MinPerMinute:  60,
		MaxPerMinute:  60000,
		TargetLatency: time.Second,
		Interval:      time.Hour,
	})
	brk := breaker.New(config.BreakerConfig{
		FailureThreshold:  100,
		RecoveryTimeout:   time.Minute,
		HalfOpenSuccesses: 1,
	})
	pool := backend.NewPool([]config.BackendConfig{
		{URL: h.backend.URL, Model: testModel, Timeout: 5 * time.Second},
	})

	var c *cache.Cache
	if withCache {
		c = cache.New(st, config.CacheConfig{
			Enabled: true,
			TTL:     time.Hour,
			MaxSize: 100,
		})
	}

	deliver := func(ctx context.Context, item *models.QueueItem, result *models.GenerateResult) error {
		h.mu.Lock()
		h.replies[item.ID] = result
		h.mu.Unlock()
		return nil
	}

	h.dispatcher = New(h.queue, limiter, adaptive, brk, pool, c, qcfg, deliver)
	return h
}

func (h *harness) reply(id string) (*models.GenerateResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.replies[id]
	return r, ok
}

func (h *harness) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.genCalls
}

// runFor drives the dispatcher until the condition holds or the deadline
// passes.
func runFor(t *testing.T, h *harness, timeout time.Duration, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.dispatcher.Run(ctx)
		close(done)
	}()

	deadline := time.After(timeout)
	for {
		if cond() {
			break
		}
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("condition not reached before deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func enqueueMessage(t *testing.T, q *queue.Queue, requester, prompt string, priority int) string {
	t.Helper()
	payload, err := json.Marshal(models.GenerateRequest{Prompt: prompt, Temperature: 0.7})
	if err != nil {
		t.Fatal(err)
	}
	id, err := q.Enqueue(context.Background(), requester, string(payload), priority, nil)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestDispatchesAndDelivers(t *testing.T) {
	h := newHarness(t, false, false)
	id := enqueueMessage(t, h.queue, "alice", "ping", models.PriorityNormal)

	runFor(t, h, 5*time.Second, func() bool {
		_, ok := h.reply(id)
		return ok
	})

	result, _ := h.reply(id)
	if result.Content != "echo: ping" {
		t.Errorf("content = %q", result.Content)
	}
	if result.Cached {
		t.Error("first reply reported as cached")
	}

	st, err := h.queue.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Pending != 0 || st.Processing != 0 {
		t.Errorf("pending=%d processing=%d after completion", st.Pending, st.Processing)
	}
	if st.Metrics["completed"] != 1 {
		t.Errorf("completed metric = %d, want 1", st.Metrics["completed"])
	}
}

func TestDispatchesManyAcrossWorkers(t *testing.T) {
	h := newHarness(t, false, false)

	ids := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		ids = append(ids, enqueueMessage(t, h.queue, fmt.Sprintf("user%d", i), fmt.Sprintf("msg %d", i), models.PriorityNormal))
	}

	runFor(t, h, 10*time.Second, func() bool {
		for _, id := range ids {
			if _, ok := h.reply(id); !ok {
				return false
			}
		}
		return true
	})

	for i, id := range ids {
		result, _ := h.reply(id)
		if want := fmt.Sprintf("echo: msg %d", i); result.Content != want {
			t.Errorf("reply %d = %q, want %q", i, result.Content, want)
		}
	}
}

func TestCacheHitSkipsBackend(t *testing.T) {
	h := newHarness(t, false, true)

	first := enqueueMessage(t, h.queue, "alice", "same question", models.PriorityNormal)
	runFor(t, h, 5*time.Second, func() bool {
		_, ok := h.reply(first)
		return ok
	})

	second := enqueueMessage(t, h.queue, "bob", "same question", models.PriorityNormal)
	runFor(t, h, 5*time.Second, func() bool {
		_, ok := h.reply(second)
		return ok
	})

	result, _ := h.reply(second)
	if !result.Cached {
		t.Error("second identical request was not served from cache")
	}
	if h.calls() != 1 {
		t.Errorf("backend calls = %d, want 1", h.calls())
	}
}

func TestFailureParksForRetry(t *testing.T) {
	h := newHarness(t, true, false)
	id := enqueueMessage(t, h.queue, "alice", "doomed", models.PriorityNormal)

	var delayed int64
	runFor(t, h, 5*time.Second, func() bool {
		st, err := h.queue.Status(context.Background())
		if err != nil {
			return false
		}
		delayed = st.Delayed
		return st.Delayed == 1
	})

	if delayed != 1 {
		t.Fatalf("delayed = %d, want 1", delayed)
	}
	if _, ok := h.reply(id); ok {
		t.Error("failed item produced a reply")
	}
}

func TestMalformedPayloadFailsWithoutBackendCall(t *testing.T) {
	h := newHarness(t, false, false)
	ctx := context.Background()
	if _, err := h.queue.Enqueue(ctx, "alice", "{not json", models.PriorityNormal, nil); err != nil {
		t.Fatal(err)
	}

	runFor(t, h, 5*time.Second, func() bool {
		st, err := h.queue.Status(ctx)
		return err == nil && st.Delayed == 1
	})

	if h.calls() != 0 {
		t.Errorf("backend calls = %d for malformed payload, want 0", h.calls())
	}
}

func TestRecordsBreakerOpenAsRetry(t *testing.T) {
	h := newHarness(t, true, false)

	// Trip the breaker directly so the next item fails fast.
	for i := 0; i < 100; i++ {
		_ = h.dispatcher.breaker.Do(func() error { return errors.New("down") })
	}

	enqueueMessage(t, h.queue, "alice", "fast fail", models.PriorityNormal)
	runFor(t, h, 5*time.Second, func() bool {
		st, err := h.queue.Status(context.Background())
		return err == nil && st.Delayed == 1
	})

	if h.calls() != 0 {
		t.Errorf("backend calls = %d while breaker open, want 0", h.calls())
	}
}

func TestWorkerStatus(t *testing.T) {
	h := newHarness(t, false, false)
	st := h.dispatcher.WorkerStatus()
	if st.Total != 2 {
		t.Errorf("total = %d, want 2", st.Total)
	}
	if st.Active != 0 {
		t.Errorf("active = %d before start, want 0", st.Active)
	}
}
