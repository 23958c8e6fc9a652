package dedupe

import (
	"context"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const keyPrefix = "reconciler:dedupe:"

// MemcachedMarkerCache implements MarkerCache using memcached, letting
// multiple reconciler replicas share the staging dedup hint.
type MemcachedMarkerCache struct {
	client *memcache.Client
}

// NewMemcachedMarkerCache creates a MemcachedMarkerCache. addrs is a
// comma-separated list (e.g. "localhost:11211" or
// "host1:11211,host2:11211"). timeout and maxIdleConns configure the client;
// both use package defaults if zero.
func NewMemcachedMarkerCache(addrs string, timeout time.Duration, maxIdleConns int) *MemcachedMarkerCache {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedMarkerCache{client: client}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *MemcachedMarkerCache) key(k string) string {
	return keyPrefix + k
}

// Seen returns false, nil on a cache miss, and false with the error on any
// other fetch failure; the scheduler treats both as unseen, so an
// unreachable cache never blocks staging writes.
func (c *MemcachedMarkerCache) Seen(ctx context.Context, key string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	_, err := c.client.Get(c.key(key))
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *MemcachedMarkerCache) Mark(ctx context.Context, key string, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	expSec := int32(ttl.Seconds())
	const maxRelativeExp = 30 * 24 * 60 * 60 // 30 days
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = 3600
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      []byte{1},
		Expiration: expSec,
	})
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedMarkerCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedMarkerCache) Close() error {
	return c.client.Close()
}
