// ABOUTME: Bounded TTL cache of recently seen delivery ids
// ABOUTME: Lets the gateway drop platform retries of callbacks it already accepted

package dedupe

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache remembers keys for a fixed window. When full, the least recently
// marked key is evicted first.
type Cache struct {
	mu     sync.Mutex
	seen   *expirable.LRU[string, struct{}]
	closed bool
}

// New creates a cache that forgets keys after ttl and holds at most maxSize keys.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen: expirable.NewLRU[string, struct{}](maxSize, nil, ttl),
	}
}

// CheckAndMark marks key and reports whether it had already been seen.
// Exactly one of several concurrent callers with the same new key gets false.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen.Peek(key); ok {
		return true
	}
	c.seen.Add(key, struct{}{})
	return false
}

// Len returns the number of keys currently held, expired or not.
func (c *Cache) Len() int {
	return c.seen.Len()
}

// Close drops every key. It is safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.seen.Purge()
		c.closed = true
	}
}
