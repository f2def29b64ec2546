package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all relayq configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	DBPath    string          `yaml:"db_path"`
	Backends  []BackendConfig `yaml:"backends"`
	Queue     QueueConfig     `yaml:"queue"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Cache     CacheConfig     `yaml:"cache"`
}

// BackendConfig defines one text-generation endpoint.
type BackendConfig struct {
	URL     string        `yaml:"url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// QueueConfig controls admission and retry behavior.
type QueueConfig struct {
	Capacity          int             `yaml:"capacity"`
	Workers           int             `yaml:"workers"`
	MaxAttempts       int             `yaml:"max_attempts"`
	RetryDelays       []time.Duration `yaml:"retry_delays"`
	RequesterQuota    int             `yaml:"requester_quota"`
	ProcessingTimeout time.Duration   `yaml:"processing_timeout"`
	IdlePoll          time.Duration   `yaml:"idle_poll"`
	JanitorInterval   time.Duration   `yaml:"janitor_interval"`
}

// RateLimitConfig controls the global and per-requester token buckets.
type RateLimitConfig struct {
	GlobalPerMinute    float64       `yaml:"global_per_minute"`
	GlobalBurst        int           `yaml:"global_burst"`
	RequesterPerMinute float64       `yaml:"requester_per_minute"`
	RequesterBurst     int           `yaml:"requester_burst"`
	BucketIdleExpiry   time.Duration `yaml:"bucket_idle_expiry"`

	Adaptive AdaptiveConfig `yaml:"adaptive"`
}

// AdaptiveConfig controls the closed-loop rate adjustment.
type AdaptiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MinPerMinute  float64       `yaml:"min_per_minute"`
	MaxPerMinute  float64       `yaml:"max_per_minute"`
	TargetLatency time.Duration `yaml:"target_latency"`
	Interval      time.Duration `yaml:"interval"`
}

// BreakerConfig controls the backend circuit breaker.
type BreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold"`
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout"`
	HalfOpenSuccesses int           `yaml:"half_open_successes"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled             bool          `yaml:"enabled"`
	TTL                 time.Duration `yaml:"ttl"`
	MaxSize             int           `yaml:"max_size"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	Warm                []WarmEntry   `yaml:"warm"`
}

// WarmEntry is a canned prompt/response pair seeded at startup.
type WarmEntry struct {
	Prompt   string `yaml:"prompt"`
	System   string `yaml:"system"`
	Response string `yaml:"response"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "relayq.db",
		Backends: []BackendConfig{
			{URL: "http://localhost:11434", Model: "llama3:latest", Timeout: 30 * time.Second},
		},
		Queue: QueueConfig{
			Capacity:          1000,
			Workers:           3,
			MaxAttempts:       3,
			RetryDelays:       []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second},
			RequesterQuota:    10,
			ProcessingTimeout: 5 * time.Minute,
			IdlePoll:          100 * time.Millisecond,
			JanitorInterval:   time.Minute,
		},
		RateLimit: RateLimitConfig{
			GlobalPerMinute:    10,
			GlobalBurst:        5,
			RequesterPerMinute: 3,
			RequesterBurst:     2,
			BucketIdleExpiry:   time.Hour,
			Adaptive: AdaptiveConfig{
				Enabled:       true,
				MinPerMinute:  5,
				MaxPerMinute:  30,
				TargetLatency: 2 * time.Second,
				Interval:      5 * time.Minute,
			},
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			RecoveryTimeout:   time.Minute,
			HalfOpenSuccesses: 3,
		},
		Cache: CacheConfig{
			Enabled:             true,
			TTL:                 time.Hour,
			MaxSize:             1000,
			SimilarityThreshold: 0.9,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("config: at least one backend is required")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("config: queue.workers must be >= 1")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("config: queue.max_attempts must be >= 1")
	}
	if len(c.Queue.RetryDelays) == 0 {
		return fmt.Errorf("config: queue.retry_delays must not be empty")
	}
	return nil
}
