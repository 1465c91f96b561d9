// Package credcache is the credential lookup cache backing gssauth's
// per-(uid, principal) Cred records. It wraps
// patrickmn/go-cache, keyed by (uid, principal), and expresses the
// NEW/UPTODATE/NEGATIVE lifecycle's retry-cooldown as the TTL on a
// NEGATIVE entry: once that TTL elapses, go-cache's own janitor evicts
// the entry and the next lookup falls through to "create fresh NEW cred".
package credcache

import (
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// NoExpiration and DefaultExpiration re-export go-cache's sentinels so
// callers don't need to import it directly.
const (
	NoExpiration      = gocache.NoExpiration
	DefaultExpiration = gocache.DefaultExpiration
)

const defaultCleanupInterval = 30 * time.Second

// Cache stores cached credential values keyed by (uid, principal). The
// stored value is opaque (an `any`, typically *gssauth.Cred) so this
// package stays independent of the public API package: gssauth imports
// credcache, not the other way around.
type Cache struct {
	c *gocache.Cache

	mu        sync.RWMutex
	onEvicted func(uid uint32, principal string, value any)
}

// Config configures a Cache. A zero Config selects the defaults.
type Config struct {
	// CleanupInterval is how often go-cache's janitor goroutine sweeps
	// for expired entries. Defaults to 30s.
	CleanupInterval time.Duration
}

// New constructs a Cache. The cleanup janitor starts immediately and
// runs until the Cache is garbage collected (go-cache's own convention:
// there is no explicit Stop, matching cache.New's documented lifetime).
func New(cfg Config) *Cache {
	cleanup := cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = defaultCleanupInterval
	}

	c := &Cache{c: gocache.New(NoExpiration, cleanup)}
	c.c.OnEvicted(func(key string, value any) {
		uid, principal := splitKey(key)
		c.mu.RLock()
		hook := c.onEvicted
		c.mu.RUnlock()
		if hook != nil {
			hook(uid, principal, value)
		}
	})
	return c
}

// OnEvicted registers f to run whenever an entry is evicted: on go-cache's
// janitor goroutine for TTL expiry, on the caller's goroutine for Evict.
// gssauth uses this to fire the asynchronous DESTROY RPC on eviction of
// an UPTODATE DATA-proc context.
func (c *Cache) OnEvicted(f func(uid uint32, principal string, value any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvicted = f
}

// Get looks up the cached value for (uid, principal).
func (c *Cache) Get(uid uint32, principal string) (any, bool) {
	return c.c.Get(key(uid, principal))
}

// Set installs value for (uid, principal) with the given TTL. Use
// NoExpiration for UPTODATE/NEW entries that live until explicitly
// evicted, and a short TTL (the retry-cooldown) for NEGATIVE entries.
func (c *Cache) Set(uid uint32, principal string, value any, ttl time.Duration) {
	c.c.Set(key(uid, principal), value, ttl)
}

// Evict removes every cached entry for uid, regardless of principal.
// Used by callers that need to force a fresh upcall regardless of
// cooldown state, and by authenticator teardown.
func (c *Cache) Evict(uid uint32) {
	prefix := fmt.Sprintf("%d\x00", uid)
	for k := range c.c.Items() {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			c.c.Delete(k)
		}
	}
}

// Len reports the number of cached entries, including ones past their
// TTL but not yet swept by the janitor.
func (c *Cache) Len() int {
	return c.c.ItemCount()
}

// Items returns a snapshot of every cached (uid, principal) key and its
// value, for operational introspection.
func (c *Cache) Items() map[string]any {
	raw := c.c.Items()
	out := make(map[string]any, len(raw))
	for k, item := range raw {
		out[k] = item.Object
	}
	return out
}

func key(uid uint32, principal string) string {
	return fmt.Sprintf("%d\x00%s", uid, principal)
}

func splitKey(k string) (uid uint32, principal string) {
	for i := 0; i < len(k); i++ {
		if k[i] == 0 {
			fmt.Sscanf(k[:i], "%d", &uid)
			return uid, k[i+1:]
		}
	}
	return 0, ""
}
