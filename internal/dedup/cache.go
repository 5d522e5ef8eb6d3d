// Package dedup implements the nonce cache that keeps flooded messages
// from looping forever.
//
// Every node receiving a relay frame checks the nonce here first. If seen:
// drop silently. If not seen: record and forward. The cache holds a fixed
// number of recent nonces with FIFO eviction; a duplicate arriving after
// its nonce has been evicted is no longer detected, which is an accepted
// bound given mesh diameter is small relative to the capacity.
package dedup

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity matches the mesh protocol: the last 100 nonces are
// remembered.
const DefaultCapacity = 100

// Cache is a concurrent-safe, fixed-capacity nonce store.
//
// Nonces are only ever added and membership-tested, never fetched, so the
// backing LRU never refreshes recency and eviction order stays insertion
// order.
type Cache struct {
	entries *lru.Cache[int64, struct{}]
}

// New creates a Cache holding capacity nonces.
func New(capacity int) (*Cache, error) {
	entries, err := lru.New[int64, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("dedup: %w", err)
	}
	return &Cache{entries: entries}, nil
}

// Add records nonce. It returns true if the nonce was not already present,
// i.e. this is the first time the message is seen.
func (c *Cache) Add(nonce int64) bool {
	present, _ := c.entries.ContainsOrAdd(nonce, struct{}{})
	return !present
}

// Seen reports whether nonce is currently in the cache.
func (c *Cache) Seen(nonce int64) bool {
	return c.entries.Contains(nonce)
}

// Len returns the current number of cached nonces.
func (c *Cache) Len() int {
	return c.entries.Len()
}
