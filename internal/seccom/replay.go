package seccom

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ReplayCache remembers recently accepted state values so a state-response
// token cannot be accepted twice within the TTL window. The cache is
// bounded and evicts by TTL, never by size alone under normal load.
type ReplayCache struct {
	cache *expirable.LRU[string, struct{}]
}

// NewReplayCache creates a replay cache holding up to size states for ttl.
func NewReplayCache(size int, ttl time.Duration) *ReplayCache {
	if size <= 0 {
		size = 65536
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &ReplayCache{
		cache: expirable.NewLRU[string, struct{}](size, nil, ttl),
	}
}

// FirstUse records the state and reports whether this was its first use
// within the TTL window.
func (c *ReplayCache) FirstUse(state string) bool {
	if _, seen := c.cache.Get(state); seen {
		return false
	}
	c.cache.Add(state, struct{}{})
	return true
}

// Len returns the number of live entries, for stats surfaces.
func (c *ReplayCache) Len() int {
	return c.cache.Len()
}
