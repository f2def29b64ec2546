package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/relayq-ai/relayq/pkg/config"
	"github.com/relayq-ai/relayq/pkg/models"
)

// unhealthyAfter is how many consecutive failures demote an endpoint.
const unhealthyAfter = 3

// Endpoint is one Ollama-compatible text-generation server plus the model
// it must serve. Health state is mutated only by health checks and call
// results, never by callers.
type Endpoint struct {
	address string
	model   string
	client  *http.Client

	mu                  sync.Mutex
	healthy             bool
	consecutiveFailures int
	lastHealthCheck     time.Time
}

// NewEndpoint creates an endpoint, assumed healthy until checked.
func NewEndpoint(cfg config.BackendConfig) *Endpoint {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Endpoint{
		address: cfg.URL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout},
		healthy: true,
	}
}

// Address returns the endpoint's base URL.
func (e *Endpoint) Address() string { return e.address }

// Model returns the model this endpoint serves.
func (e *Endpoint) Model() string { return e.model }

// Healthy reports the current health flag.
func (e *Endpoint) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

func (e *Endpoint) recordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFailures = 0
	e.healthy = true
}

func (e *Endpoint) recordFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFailures++
	if e.consecutiveFailures >= unhealthyAfter {
		e.healthy = false
	}
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// HealthCheck probes liveness and model availability. Success marks the
// endpoint healthy and resets the failure counter.
func (e *Endpoint) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.address+"/api/tags", nil)
	if err != nil {
		e.recordFailure()
		return false
	}

	resp, err := e.client.Do(req)
	if err != nil {
		log.Printf("health check %s failed: %v", e.address, err)
		e.recordFailure()
		e.touchHealthCheck()
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.recordFailure()
		e.touchHealthCheck()
		return false
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		e.recordFailure()
		e.touchHealthCheck()
		return false
	}

	for _, m := range tags.Models {
		if m.Name == e.model {
			e.recordSuccess()
			e.touchHealthCheck()
			return true
		}
	}

	// The server answers but does not serve our model.
	e.mu.Lock()
	e.healthy = false
	e.mu.Unlock()
	e.touchHealthCheck()
	return false
}

func (e *Endpoint) touchHealthCheck() {
	e.mu.Lock()
	e.lastHealthCheck = time.Now()
	e.mu.Unlock()
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options"`
}

type chatOptions struct {
	Temperature   float64 `json:"temperature"`
	NumPredict    int     `json:"num_predict"`
	TopK          int     `json:"top_k"`
	TopP          float64 `json:"top_p"`
	RepeatPenalty float64 `json:"repeat_penalty"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	EvalCount int `json:"eval_count"`
}

// Generate performs one bounded text-generation call. Errors count toward
// the endpoint's failure threshold so callers can fail over.
func (e *Endpoint) Generate(ctx context.Context, genReq models.GenerateRequest) (*models.GenerateResult, error) {
	var messages []chatMessage
	if genReq.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: genReq.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: genReq.Prompt})

	maxTokens := genReq.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 500
	}

	payload, err := json.Marshal(chatRequest{
		Model:    e.model,
		Messages: messages,
		Stream:   false,
		Options: chatOptions{
			Temperature:   genReq.Temperature,
			NumPredict:    maxTokens,
			TopK:          40,
			TopP:          0.9,
			RepeatPenalty: 1.1,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.address+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		e.recordFailure()
		return nil, fmt.Errorf("generate on %s: %w", e.address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		e.recordFailure()
		return nil, fmt.Errorf("generate on %s: status %d", e.address, resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		e.recordFailure()
		return nil, fmt.Errorf("decode generate response from %s: %w", e.address, err)
	}

	e.recordSuccess()
	return &models.GenerateResult{
		Content: chat.Message.Content,
		Model:   e.model,
		Tokens:  chat.EvalCount,
		Latency: time.Since(start),
	}, nil
}

// Status reports the endpoint for the status API.
func (e *Endpoint) Status() models.EndpointStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.EndpointStatus{
		Address:             e.address,
		Model:               e.model,
		Healthy:             e.healthy,
		ConsecutiveFailures: e.consecutiveFailures,
	}
}
