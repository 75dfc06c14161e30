package auth

import (
	"sync"
	"time"
)

// Control-plane tokens are refreshed this long before they expire.
const ControlPlaneBuffer = 5 * time.Minute

// CachedToken is a minted token and the instant it stops being valid.
type CachedToken struct {
	Value     string
	ExpiresAt time.Time
}

// Cache stores a single token and refuses to hand it out once it is within
// the safety buffer of its expiry. Tokens are never persisted.
type Cache struct {
	mu     sync.RWMutex
	token  CachedToken
	buffer time.Duration
	now    func() time.Time
}

// NewCache creates an empty cache with the given safety buffer.
func NewCache(buffer time.Duration) *Cache {
	return &Cache{buffer: buffer, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get retrieves the cached token if it is set and outside the buffer.
func (c *Cache) Get() (CachedToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.token.Value == "" {
		return CachedToken{}, false
	}
	if !c.now().Before(c.token.ExpiresAt.Add(-c.buffer)) {
		return CachedToken{}, false
	}
	return c.token, true
}

// Set overwrites the cached token.
func (c *Cache) Set(token CachedToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Clear removes the cached token
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = CachedToken{}
}

// ExpiresAt returns the expiry of the stored token, or zero time when empty.
func (c *Cache) ExpiresAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token.ExpiresAt
}

// TTL returns how long the stored token stays usable, net of the buffer.
func (c *Cache) TTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.token.Value == "" {
		return 0
	}
	remaining := c.token.ExpiresAt.Add(-c.buffer).Sub(c.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}
