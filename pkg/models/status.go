package models

// WorkerStatus reports the dispatcher worker pool.
type WorkerStatus struct {
	Active int `json:"active"`
	Total  int `json:"total"`
}

// RateLimiterStatus reports the limiter's current tuning and throughput.
type RateLimiterStatus struct {
	GlobalRate       float64        `json:"global_rate_per_sec"`
	GlobalTokens     float64        `json:"global_tokens"`
	GlobalRPM        int            `json:"global_rpm"`
	RequesterRPM     map[string]int `json:"requester_rpm,omitempty"`
	ActiveRequesters int            `json:"active_requesters"`
}

// BreakerStatus reports the circuit breaker state.
type BreakerStatus struct {
	State          string `json:"state"`
	RemainingDelay string `json:"remaining_delay,omitempty"`
}

// QueueStatus is the operator-facing snapshot returned by the status API.
type QueueStatus struct {
	Pending         int64             `json:"pending"`
	Processing      int64             `json:"processing"`
	DeadLetterCount int64             `json:"dead_letter"`
	Delayed         int64             `json:"delayed"`
	Workers         WorkerStatus      `json:"workers"`
	Metrics         map[string]int64  `json:"metrics"`
	QueueHealth     string            `json:"queue_health"`
	RateLimiter     RateLimiterStatus `json:"rate_limiter"`
	CircuitBreaker  BreakerStatus     `json:"circuit_breaker"`
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Size           int64   `json:"size"`
	MaxSize        int64   `json:"max_size"`
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	SimilarityHits int64   `json:"similarity_hits"`
	Sets           int64   `json:"sets"`
	Errors         int64   `json:"errors"`
	HitRate        float64 `json:"hit_rate"`
}

// EndpointStatus reports one backend endpoint's health.
type EndpointStatus struct {
	Address             string `json:"address"`
	Model               string `json:"model"`
	Healthy             bool   `json:"healthy"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}
