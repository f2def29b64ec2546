package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relayq-ai/relayq/pkg/config"
	"github.com/relayq-ai/relayq/pkg/models"
)

const testModel = "llama3:latest"

// fakeOllama is a minimal Ollama-compatible server for tests.
type fakeOllama struct {
	model     string
	reply     string
	failGen   bool
	genCalls  int
	tagsCalls int
	server    *httptest.Server
}

func newFakeOllama(t *testing.T, model, reply string) *fakeOllama {
	t.Helper()
	f := &fakeOllama{model: model, reply: reply}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		f.tagsCalls++
		fmt.Fprintf(w, `{"models":[{"name":%q}]}`, f.model)
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		f.genCalls++
		if f.failGen {
			http.Error(w, "model crashed", http.StatusInternalServerError)
			return
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Model != f.model {
			http.Error(w, "unknown model", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message":    map[string]string{"role": "assistant", "content": f.reply},
			"eval_count": 42,
		})
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeOllama) endpoint() *Endpoint {
	return NewEndpoint(config.BackendConfig{URL: f.server.URL, Model: testModel, Timeout: 5 * time.Second})
}

func TestHealthCheck(t *testing.T) {
	f := newFakeOllama(t, testModel, "hi")
	e := f.endpoint()

	if !e.HealthCheck(context.Background()) {
		t.Fatal("health check failed against a live server")
	}
	if !e.Healthy() {
		t.Error("endpoint not marked healthy")
	}
}

func TestHealthCheckWrongModel(t *testing.T) {
	f := newFakeOllama(t, "other-model", "hi")
	e := f.endpoint()

	if e.HealthCheck(context.Background()) {
		t.Fatal("health check passed without the required model")
	}
	if e.Healthy() {
		t.Error("endpoint stayed healthy serving the wrong model")
	}
}

func TestHealthCheckServerDown(t *testing.T) {
	f := newFakeOllama(t, testModel, "hi")
	e := f.endpoint()
	f.server.Close()

	if e.HealthCheck(context.Background()) {
		t.Error("health check passed against a dead server")
	}
}

func TestGenerate(t *testing.T) {
	f := newFakeOllama(t, testModel, "hello there")
	e := f.endpoint()

	result, err := e.Generate(context.Background(), models.GenerateRequest{
		Prompt:      "say hello",
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "hello there" {
		t.Errorf("content = %q", result.Content)
	}
	if result.Tokens != 42 {
		t.Errorf("tokens = %d, want 42", result.Tokens)
	}
	if result.Model != testModel {
		t.Errorf("model = %q", result.Model)
	}
}

func TestConsecutiveFailuresDemote(t *testing.T) {
	f := newFakeOllama(t, testModel, "hi")
	f.failGen = true
	e := f.endpoint()

	for i := 0; i < unhealthyAfter; i++ {
		if _, err := e.Generate(context.Background(), models.GenerateRequest{Prompt: "x"}); err == nil {
			t.Fatal("expected generate error")
		}
	}
	if e.Healthy() {
		t.Error("endpoint stayed healthy after repeated failures")
	}

	// One success restores health.
	f.failGen = false
	if _, err := e.Generate(context.Background(), models.GenerateRequest{Prompt: "x"}); err != nil {
		t.Fatal(err)
	}
	if !e.Healthy() {
		t.Error("endpoint not restored after success")
	}
}

func poolOf(fakes ...*fakeOllama) *Pool {
	cfgs := make([]config.BackendConfig, 0, len(fakes))
	for _, f := range fakes {
		cfgs = append(cfgs, config.BackendConfig{URL: f.server.URL, Model: testModel, Timeout: 5 * time.Second})
	}
	return NewPool(cfgs)
}

func TestPoolRoundRobin(t *testing.T) {
	a := newFakeOllama(t, testModel, "from a")
	b := newFakeOllama(t, testModel, "from b")
	pool := poolOf(a, b)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := pool.Generate(ctx, models.GenerateRequest{Prompt: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	if a.genCalls != 2 || b.genCalls != 2 {
		t.Errorf("calls = %d/%d, want an even spread", a.genCalls, b.genCalls)
	}
}

func TestPoolFailsOver(t *testing.T) {
	a := newFakeOllama(t, testModel, "from a")
	b := newFakeOllama(t, testModel, "from b")
	a.failGen = true
	pool := poolOf(a, b)

	// Every call lands on b, directly or after failing over from a.
	for i := 0; i < 4; i++ {
		result, err := pool.Generate(context.Background(), models.GenerateRequest{Prompt: "x"})
		if err != nil {
			t.Fatal(err)
		}
		if result.Content != "from b" {
			t.Errorf("content = %q, want from b", result.Content)
		}
	}
}

func TestPoolAllDown(t *testing.T) {
	a := newFakeOllama(t, testModel, "hi")
	a.failGen = true
	pool := poolOf(a)

	if _, err := pool.Generate(context.Background(), models.GenerateRequest{Prompt: "x"}); err == nil {
		t.Error("expected error with every backend failing")
	}
}

func TestPoolRecoversUnhealthy(t *testing.T) {
	f := newFakeOllama(t, testModel, "hi")
	f.failGen = true
	pool := poolOf(f)
	ctx := context.Background()

	for i := 0; i < unhealthyAfter; i++ {
		_, _ = pool.Generate(ctx, models.GenerateRequest{Prompt: "x"})
	}
	if pool.HealthyCount() != 0 {
		t.Fatalf("healthy = %d, want 0", pool.HealthyCount())
	}

	// Once the backend recovers, PickHealthy re-probes it on demand.
	f.failGen = false
	e, err := pool.PickHealthy(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !e.Healthy() {
		t.Error("recovered endpoint not healthy")
	}
}

func TestPoolModel(t *testing.T) {
	f := newFakeOllama(t, testModel, "hi")
	pool := poolOf(f)
	if pool.Model() != testModel {
		t.Errorf("model = %q, want %q", pool.Model(), testModel)
	}
}
