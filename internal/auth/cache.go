package auth

import (
	"crypto/sha256"
	"sync"
	"sync/atomic"
	"time"
)

// AuthCache remembers authenticated clients for a TTL so that the hot path
// skips the DB lookup and bcrypt comparison. Entries are keyed by the SHA-256
// of the API key; plaintext keys are never retained.
//
// Expired entries are still served: Get hands back the stale client and asks
// exactly one caller to refresh it in the background.
type AuthCache struct {
	entries sync.Map // map[[sha256.Size]byte]*cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	client     *Client
	expiresAt  time.Time
	refreshing atomic.Bool
}

// NewAuthCache creates a cache with the given TTL.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl}
}

// GetResult holds the result of a cache lookup.
type GetResult struct {
	Client *Client
	// Hit is true when an entry exists, fresh or stale.
	Hit bool
	// NeedsRefresh is set for the first reader of an expired entry only.
	NeedsRefresh bool
}

func cacheKey(apiKey string) [sha256.Size]byte {
	return sha256.Sum256([]byte(apiKey))
}

// Get looks up apiKey. A miss returns the zero GetResult.
func (c *AuthCache) Get(apiKey string) GetResult {
	val, ok := c.entries.Load(cacheKey(apiKey))
	if !ok {
		return GetResult{}
	}
	entry := val.(*cacheEntry)

	if time.Now().Before(entry.expiresAt) {
		return GetResult{Client: entry.client, Hit: true}
	}
	return GetResult{
		Client:       entry.client,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores client for apiKey, replacing any existing entry and its
// refresh claim.
func (c *AuthCache) Set(apiKey string, client *Client) {
	c.entries.Store(cacheKey(apiKey), &cacheEntry{
		client:    client,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete evicts apiKey.
func (c *AuthCache) Delete(apiKey string) {
	c.entries.Delete(cacheKey(apiKey))
}
