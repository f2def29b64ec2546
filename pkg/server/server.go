// Package server exposes the HTTP API: message submission, queue and
// dead-letter inspection, cache management, and a websocket stream of
// status snapshots.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/relayq-ai/relayq/pkg/backend"
	"github.com/relayq-ai/relayq/pkg/breaker"
	"github.com/relayq-ai/relayq/pkg/cache"
	"github.com/relayq-ai/relayq/pkg/config"
	"github.com/relayq-ai/relayq/pkg/dispatch"
	"github.com/relayq-ai/relayq/pkg/models"
	"github.com/relayq-ai/relayq/pkg/queue"
	"github.com/relayq-ai/relayq/pkg/ratelimit"
)

// statusBroadcastInterval paces websocket status pushes.
const statusBroadcastInterval = 2 * time.Second

// Server is the relayq HTTP API.
type Server struct {
	cfg        *config.Config
	queue      *queue.Queue
	limiter    *ratelimit.Limiter
	breaker    *breaker.Breaker
	pool       *backend.Pool
	cache      *cache.Cache
	dispatcher *dispatch.Dispatcher
	hub        *Hub
	mux        *http.ServeMux
}

// New creates a Server wired with all dependencies. cache may be nil when
// response caching is disabled.
func New(cfg *config.Config, q *queue.Queue, l *ratelimit.Limiter, b *breaker.Breaker, p *backend.Pool, c *cache.Cache, d *dispatch.Dispatcher) *Server {
	s := &Server{
		cfg:        cfg,
		queue:      q,
		limiter:    l,
		breaker:    b,
		pool:       p,
		cache:      c,
		dispatcher: d,
		hub:        NewHub(),
		mux:        http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /v1/messages", s.handleSubmit)
	s.mux.HandleFunc("GET /v1/queue/status", s.handleStatus)
	s.mux.HandleFunc("GET /v1/queue/pending", s.handlePending)
	s.mux.HandleFunc("GET /v1/queue/processing", s.handleProcessing)
	s.mux.HandleFunc("GET /v1/queue/dead-letters", s.handleDeadLetters)
	s.mux.HandleFunc("POST /v1/queue/dead-letters/{id}/requeue", s.handleRequeue)
	s.mux.HandleFunc("DELETE /v1/queue/dead-letters", s.handlePurge)
	s.mux.HandleFunc("GET /v1/cache/stats", s.handleCacheStats)
	s.mux.HandleFunc("POST /v1/cache/invalidate", s.handleCacheInvalidate)
	s.mux.HandleFunc("GET /v1/queue/ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the API server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s,
	}

	go s.broadcastLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("relayq listening on %s", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// submitRequest is the body of POST /v1/messages.
type submitRequest struct {
	RequesterKey string            `json:"requester_key"`
	Prompt       string            `json:"prompt"`
	System       string            `json:"system,omitempty"`
	Temperature  float64           `json:"temperature,omitempty"`
	MaxTokens    int               `json:"max_tokens,omitempty"`
	Priority     int               `json:"priority,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RequesterKey == "" {
		writeJSONError(w, http.StatusBadRequest, "requester_key is required")
		return
	}
	if req.Prompt == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.Priority == 0 {
		req.Priority = models.PriorityNormal
	}
	if req.Temperature == 0 {
		req.Temperature = 0.7
	}

	payload, err := json.Marshal(models.GenerateRequest{
		Prompt:      req.Prompt,
		System:      req.System,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "encode payload")
		return
	}

	id, err := s.queue.Enqueue(r.Context(), req.RequesterKey, string(payload), req.Priority, req.Metadata)
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		writeJSONError(w, http.StatusTooManyRequests, "queue is at capacity")
		return
	case errors.Is(err, queue.ErrRequesterQuota):
		writeJSONError(w, http.StatusTooManyRequests, "requester has too many queued messages")
		return
	case err != nil:
		log.Printf("enqueue: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": string(models.StatusPending),
	})
}

// statusSnapshot assembles the composite operator view.
func (s *Server) statusSnapshot(ctx context.Context) (map[string]any, error) {
	st, err := s.queue.Status(ctx)
	if err != nil {
		return nil, err
	}
	st.Workers = s.dispatcher.WorkerStatus()
	st.RateLimiter = s.limiter.Status()
	st.CircuitBreaker = s.breaker.Status()

	return map[string]any{
		"queue":    st,
		"backends": s.pool.Status(),
	}, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.statusSnapshot(r.Context())
	if err != nil {
		log.Printf("status: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "status failed")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func limitParam(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.Pending(r.Context(), limitParam(r, 50))
	if err != nil {
		log.Printf("pending: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleProcessing(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.Processing(r.Context())
	if err != nil {
		log.Printf("processing: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DeadLetters(r.Context(), limitParam(r, 50))
	if err != nil {
		log.Printf("dead letters: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.queue.RequeueDeadLetter(r.Context(), id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "no such dead letter")
		return
	case err != nil:
		log.Printf("requeue %s: %v", id, err)
		writeJSONError(w, http.StatusInternalServerError, "requeue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(models.StatusPending)})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.PurgeDeadLetters(r.Context())
	if err != nil {
		log.Printf("purge dead letters: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "purge failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeJSONError(w, http.StatusNotFound, "cache is disabled")
		return
	}
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		log.Printf("cache stats: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeJSONError(w, http.StatusNotFound, "cache is disabled")
		return
	}

	var req struct {
		Pattern string `json:"pattern"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	removed, err := s.cache.Invalidate(r.Context(), req.Pattern)
	if err != nil {
		log.Printf("cache invalidate: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "invalidate failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	healthy := s.pool.HealthyCount()
	status := "ok"
	code := http.StatusOK
	if healthy == 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if _, err := s.queue.Status(r.Context()); err != nil {
		log.Printf("healthz: store unreachable: %v", err)
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":           status,
		"healthy_backends": healthy,
	})
}

// broadcastLoop pushes status snapshots to websocket clients while any
// are connected.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(statusBroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.hub.ClientCount() == 0 {
			continue
		}
		snapshot, err := s.statusSnapshot(ctx)
		if err != nil {
			log.Printf("status broadcast: %v", err)
			continue
		}
		s.hub.Broadcast(snapshot)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"code":%d}}`, message, code)
}
