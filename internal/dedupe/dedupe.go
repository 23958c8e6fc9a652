// Package dedupe provides an optional pre-check cache for staging upserts.
// The database's unique constraint remains the source of truth for
// idempotency (§4.4, §7); a MarkerCache only avoids redundant round trips
// when a collector re-submits a point it already wrote.
package dedupe

import (
	"context"
	"sync"
	"time"
)

// MarkerCache records and checks whether a staging key has already been
// written. A miss, an error, or the absence of a cache must never be treated
// as "not yet written" at the storage layer — only as a hint to skip a
// redundant call.
type MarkerCache interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

// InMemoryMarkerCache implements MarkerCache with a mutex-guarded TTL-based
// map. Safe for concurrent use within one process but not shared across
// processes; suitable for a single reconciler instance.
type InMemoryMarkerCache struct {
	mu   sync.Mutex
	data map[string]time.Time // key -> expiresAt
}

// NewInMemoryMarkerCache creates an empty InMemoryMarkerCache.
func NewInMemoryMarkerCache() *InMemoryMarkerCache {
	return &InMemoryMarkerCache{data: make(map[string]time.Time)}
}

func (c *InMemoryMarkerCache) Seen(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiresAt, ok := c.data[key]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiresAt) {
		delete(c.data, key)
		return false, nil
	}
	return true, nil
}

func (c *InMemoryMarkerCache) Mark(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = time.Now().Add(ttl)
	return nil
}
