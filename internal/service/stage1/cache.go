package stage1

import (
	"sync"
	"time"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
)

// ProfileCache is a short-TTL in-memory cache for customer profiles. It keeps
// the stage-1 hot path off the database for customers transacting in bursts.
// Misses are cached too (nil profile), so an unknown customer doesn't hit the
// database on every transaction.
type ProfileCache struct {
	mu      sync.RWMutex
	entries map[string]cachedProfile
	ttl     time.Duration
	done    chan struct{}
}

type cachedProfile struct {
	profile   *model.CustomerProfile // nil means "known to not exist"
	expiresAt time.Time
}

// NewProfileCache creates a cache with the given TTL.
// Call Close to stop the background eviction goroutine.
func NewProfileCache(ttl time.Duration) *ProfileCache {
	c := &ProfileCache{
		entries: make(map[string]cachedProfile),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the cached profile and true if a valid entry exists. The
// returned profile is nil (with ok true) when the miss itself was cached.
func (c *ProfileCache) Get(customerID string) (*model.CustomerProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[customerID]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.profile, true
}

// Set stores a profile (or a nil negative entry) with the configured TTL.
func (c *ProfileCache) Set(customerID string, profile *model.CustomerProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[customerID] = cachedProfile{
		profile:   profile,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Close stops the background eviction goroutine.
func (c *ProfileCache) Close() {
	close(c.done)
}

// evictLoop removes expired entries every minute.
func (c *ProfileCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *ProfileCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
