package auth

import (
	"sync"
	"time"

	"github.com/mcp-gateway/mcpgw-go/internal/hash"
)

// TokenCache is an advisory cache of validated identities keyed by the
// SHA-256 of the raw token. Entries expire at min(token expiry, cap).
// Disabling the cache (nil) only costs repeated JWKS validations.
type TokenCache struct {
	mu      sync.RWMutex
	entries map[string]tokenCacheEntry
	cap     time.Duration
}

type tokenCacheEntry struct {
	identity *Identity
	expires  time.Time
}

// NewTokenCache creates a token cache with the given TTL ceiling.
func NewTokenCache(cap time.Duration) *TokenCache {
	if cap <= 0 {
		cap = 5 * time.Minute
	}
	return &TokenCache{
		entries: make(map[string]tokenCacheEntry),
		cap:     cap,
	}
}

// Get returns the cached identity for the raw token, if present and fresh.
func (c *TokenCache) Get(raw string) (*Identity, bool) {
	key := hash.StringHash(raw)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return entry.identity, true
}

// Put stores a validated identity. Opportunistically evicts stale entries
// to keep the map bounded without a dedicated janitor goroutine.
func (c *TokenCache) Put(raw string, identity *Identity) {
	expires := time.Now().Add(c.cap)
	if identity.TokenExpiry.Before(expires) {
		expires = identity.TokenExpiry
	}
	if !expires.After(time.Now()) {
		return
	}

	key := hash.StringHash(raw)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = tokenCacheEntry{identity: identity, expires: expires}
}

// Len returns the number of live entries, for tests and metrics.
func (c *TokenCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
