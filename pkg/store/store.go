package store

import (
	"context"
	"time"
)

// ScoredMember is one sorted-set member with its ordering score.
type ScoredMember struct {
	Member string
	Score  int64
}

// Store is the durable state backing the queue, cache, and metrics.
//
// It exposes redis-shaped primitives: sorted sets with an atomic pop of the
// highest score, hash maps, key-values with expiry, plain sets, and counters.
// Every collection is namespaced by a caller-supplied prefix so independent
// components can share one store. Scores are int64: ordering keys of the
// form priority*1e15 - createdAt(µs) need microsecond tie-break precision
// that float64 cannot represent at that magnitude.
type Store interface {
	// Sorted sets.
	ZAdd(ctx context.Context, ns, member string, score int64) error
	ZPopMax(ctx context.Context, ns string) (ScoredMember, bool, error)
	ZCard(ctx context.Context, ns string) (int64, error)
	ZRange(ctx context.Context, ns string, limit int) ([]ScoredMember, error)
	ZRem(ctx context.Context, ns, member string) error

	// Hash maps.
	HSet(ctx context.Context, ns, field, value string) error
	HGet(ctx context.Context, ns, field string) (string, bool, error)
	HDel(ctx context.Context, ns, field string) error
	HGetAll(ctx context.Context, ns string) (map[string]string, error)
	HLen(ctx context.Context, ns string) (int64, error)
	HIncrBy(ctx context.Context, ns, field string, delta int64) (int64, error)

	// Key-values with expiry.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	Del(ctx context.Context, keys ...string) error

	// Plain sets.
	SAdd(ctx context.Context, ns, member string) error
	SRem(ctx context.Context, ns, member string) error
	SMembers(ctx context.Context, ns string) ([]string, error)
	SCard(ctx context.Context, ns string) (int64, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}
