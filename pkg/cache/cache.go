// Package cache is a content-addressed store of previously computed
// replies. Lookups try an exact fingerprint match first and can fall back
// to a token-set similarity scan over entries for the same model and
// temperature. Entries carry a sliding TTL and the cache is size-bounded,
// evicting the least recently accessed entries first. Cache failures are
// never fatal: callers fall through to a live backend call.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/relayq-ai/relayq/pkg/config"
	"github.com/relayq-ai/relayq/pkg/models"
	"github.com/relayq-ai/relayq/pkg/store"
)

const (
	keyPrefix = "cache:entry:"
	nsKeys    = "cache:keys"
	nsMetrics = "cache:metrics"
)

// Entry is one cached reply.
type Entry struct {
	Key            string    `json:"key"`
	Prompt         string    `json:"prompt"`
	Response       string    `json:"response"`
	Model          string    `json:"model"`
	Temperature    float64   `json:"temperature"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	Hits           int64     `json:"hits"`
}

// Cache stores computed replies in the durable store.
type Cache struct {
	store store.Store
	cfg   config.CacheConfig
}

// New creates a Cache over the given store.
func New(st store.Store, cfg config.CacheConfig) *Cache {
	return &Cache{store: st, cfg: cfg}
}

func normalize(prompt string) string {
	return strings.ToLower(strings.TrimSpace(prompt))
}

// Fingerprint hashes the semantically relevant request fields into the
// cache key.
func Fingerprint(prompt, system, model string, temperature float64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%.2f", normalize(prompt), system, model, temperature)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// groupNS names the per-model/temperature set used to bound similarity
// scans.
func groupNS(model string, temperature float64) string {
	return fmt.Sprintf("cache:group:%s:%.1f", model, temperature)
}

// Get returns a cached reply for the request, trying an exact fingerprint
// match and then a similarity scan. A hit refreshes the sliding TTL.
func (c *Cache) Get(ctx context.Context, prompt, system, model string, temperature float64) (string, bool) {
	fp := Fingerprint(prompt, system, model, temperature)

	data, ok, err := c.store.Get(ctx, keyPrefix+fp)
	if err != nil {
		c.bumpMetric(ctx, "errors")
		log.Printf("cache get: %v", err)
		return "", false
	}
	if ok {
		var entry Entry
		if err := json.Unmarshal([]byte(data), &entry); err == nil {
			entry.Hits++
			entry.LastAccessedAt = time.Now().UTC()
			if updated, err := json.Marshal(entry); err == nil {
				// Rewriting through SetEx refreshes the sliding TTL;
				// CreatedAt is carried over untouched.
				if err := c.store.SetEx(ctx, keyPrefix+fp, string(updated), c.cfg.TTL); err != nil {
					log.Printf("cache ttl refresh: %v", err)
				}
			}
			c.bumpMetric(ctx, "hits")
			return entry.Response, true
		}
	}

	if c.cfg.SimilarityThreshold > 0 {
		if response, ok := c.findSimilar(ctx, prompt, model, temperature); ok {
			c.bumpMetric(ctx, "similarity_hits")
			return response, true
		}
	}

	c.bumpMetric(ctx, "misses")
	return "", false
}

// findSimilar scans entries for the same model and temperature, returning
// the first whose prompt token set is close enough to the request's.
func (c *Cache) findSimilar(ctx context.Context, prompt, model string, temperature float64) (string, bool) {
	members, err := c.store.SMembers(ctx, groupNS(model, temperature))
	if err != nil {
		c.bumpMetric(ctx, "errors")
		return "", false
	}

	for _, fp := range members {
		data, ok, err := c.store.Get(ctx, keyPrefix+fp)
		if err != nil || !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			continue
		}
		if jaccard(prompt, entry.Prompt) >= c.cfg.SimilarityThreshold {
			return entry.Response, true
		}
	}
	return "", false
}

// jaccard computes token-set similarity between two prompts.
func jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}

	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(normalize(s)) {
		out[tok] = struct{}{}
	}
	return out
}

// Set stores a computed reply with the configured TTL and enforces the
// size bound.
func (c *Cache) Set(ctx context.Context, prompt, system, model string, temperature float64, response string) error {
	fp := Fingerprint(prompt, system, model, temperature)
	now := time.Now().UTC()

	entry := Entry{
		Key:            fp,
		Prompt:         prompt,
		Response:       response,
		Model:          model,
		Temperature:    temperature,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		c.bumpMetric(ctx, "errors")
		return fmt.Errorf("cache set: %w", err)
	}

	if err := c.store.SetEx(ctx, keyPrefix+fp, string(data), c.cfg.TTL); err != nil {
		c.bumpMetric(ctx, "errors")
		return fmt.Errorf("cache set: %w", err)
	}
	if err := c.store.SAdd(ctx, nsKeys, fp); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	if err := c.store.SAdd(ctx, groupNS(model, temperature), fp); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	c.bumpMetric(ctx, "sets")

	if err := c.enforceSizeLimit(ctx); err != nil {
		log.Printf("cache size enforcement: %v", err)
	}
	return nil
}

// enforceSizeLimit evicts least-recently-accessed entries over the bound.
// Dangling index members whose entry already expired are dropped as found.
func (c *Cache) enforceSizeLimit(ctx context.Context) error {
	members, err := c.store.SMembers(ctx, nsKeys)
	if err != nil {
		return err
	}

	type aged struct {
		fp           string
		entry        Entry
		lastAccessed time.Time
	}
	var live []aged
	for _, fp := range members {
		data, ok, err := c.store.Get(ctx, keyPrefix+fp)
		if err != nil {
			return err
		}
		if !ok {
			c.dropIndex(ctx, fp, nil)
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			c.dropIndex(ctx, fp, nil)
			continue
		}
		live = append(live, aged{fp: fp, entry: entry, lastAccessed: entry.LastAccessedAt})
	}

	excess := len(live) - c.cfg.MaxSize
	if excess <= 0 {
		return nil
	}

	sort.Slice(live, func(i, j int) bool { return live[i].lastAccessed.Before(live[j].lastAccessed) })
	for _, victim := range live[:excess] {
		if err := c.store.Del(ctx, keyPrefix+victim.fp); err != nil {
			return err
		}
		c.dropIndex(ctx, victim.fp, &victim.entry)
	}
	log.Printf("evicted %d cache entries over size bound", excess)
	return nil
}

func (c *Cache) dropIndex(ctx context.Context, fp string, entry *Entry) {
	_ = c.store.SRem(ctx, nsKeys, fp)
	if entry != nil {
		_ = c.store.SRem(ctx, groupNS(entry.Model, entry.Temperature), fp)
	}
}

// Invalidate removes entries whose fingerprint matches the glob pattern
// ("*" clears everything). Returns the number removed.
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		pattern = "*"
	}

	members, err := c.store.SMembers(ctx, nsKeys)
	if err != nil {
		return 0, fmt.Errorf("cache invalidate: %w", err)
	}

	removed := 0
	for _, fp := range members {
		match, err := path.Match(pattern, fp)
		if err != nil {
			return removed, fmt.Errorf("cache invalidate: %w", err)
		}
		if !match {
			continue
		}

		var entry *Entry
		if data, ok, err := c.store.Get(ctx, keyPrefix+fp); err == nil && ok {
			var e Entry
			if json.Unmarshal([]byte(data), &e) == nil {
				entry = &e
			}
		}
		if err := c.store.Del(ctx, keyPrefix+fp); err != nil {
			return removed, fmt.Errorf("cache invalidate: %w", err)
		}
		c.dropIndex(ctx, fp, entry)
		removed++
	}

	if removed > 0 {
		log.Printf("invalidated %d cache entries (pattern %q)", removed, pattern)
	}
	return removed, nil
}

// Warm pre-seeds canned prompt/response pairs so common requests hit
// immediately after startup.
func (c *Cache) Warm(ctx context.Context, entries []config.WarmEntry, model string, temperature float64) error {
	for _, w := range entries {
		if err := c.Set(ctx, w.Prompt, w.System, model, temperature, w.Response); err != nil {
			return fmt.Errorf("cache warm: %w", err)
		}
	}
	if len(entries) > 0 {
		log.Printf("warmed cache with %d entries", len(entries))
	}
	return nil
}

// Stats reports cache counters and hit rate.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	raw, err := c.store.HGetAll(ctx, nsMetrics)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}

	stats := models.CacheStats{MaxSize: int64(c.cfg.MaxSize)}
	parse := func(field string) int64 {
		var n int64
		fmt.Sscanf(raw[field], "%d", &n)
		return n
	}
	stats.Hits = parse("hits")
	stats.Misses = parse("misses")
	stats.SimilarityHits = parse("similarity_hits")
	stats.Sets = parse("sets")
	stats.Errors = parse("errors")

	if stats.Size, err = c.store.SCard(ctx, nsKeys); err != nil {
		return stats, fmt.Errorf("cache stats: %w", err)
	}

	total := stats.Hits + stats.SimilarityHits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits+stats.SimilarityHits) / float64(total)
	}
	return stats, nil
}

func (c *Cache) bumpMetric(ctx context.Context, name string) {
	if _, err := c.store.HIncrBy(ctx, nsMetrics, name, 1); err != nil {
		log.Printf("cache metric %s: %v", name, err)
	}
}
