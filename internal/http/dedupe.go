package http

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DedupeCache remembers Idempotency-Key values of hook calls so a gateway
// retrying a request does not count a viewer twice.
type DedupeCache struct {
	mu      sync.Mutex
	entries *expirable.LRU[string, struct{}]
}

// NewDedupeCache creates a cache holding up to maxSize keys for ttl.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	return &DedupeCache{entries: expirable.NewLRU[string, struct{}](maxSize, nil, ttl)}
}

// IsDuplicate returns true if key was already seen within the TTL window.
// If not a duplicate, records the key for future checks.
func (d *DedupeCache) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.entries.Contains(key) {
		return true
	}
	d.entries.Add(key, struct{}{})
	return false
}

// Forget drops a key, so a request that failed can be retried with it.
func (d *DedupeCache) Forget(key string) {
	d.mu.Lock()
	d.entries.Remove(key)
	d.mu.Unlock()
}
