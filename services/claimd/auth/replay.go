package auth

import (
	"container/list"
	"sync"
	"time"
)

const defaultReplayCapacity = 100_000

// replayCache remembers consumed stateless nonces until they would have
// expired anyway. When full of live entries it refuses new ones rather than
// evicting, so a consumed nonce can never become valid again.
type replayCache struct {
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type replayEntry struct {
	key       string
	expiresAt time.Time
}

func newReplayCache(capacity int) *replayCache {
	if capacity <= 0 {
		capacity = defaultReplayCapacity
	}
	return &replayCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Consume records key and reports whether this was its first use.
func (c *replayCache) Consume(key string, expiresAt, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpired(now)
	if _, seen := c.entries[key]; seen {
		return false
	}
	if c.order.Len() >= c.capacity {
		return false
	}
	c.entries[key] = c.order.PushBack(replayEntry{key: key, expiresAt: expiresAt})
	return true
}

func (c *replayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *replayCache) evictExpired(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(replayEntry)
		if now.Before(entry.expiresAt) {
			return
		}
		c.order.Remove(front)
		delete(c.entries, entry.key)
	}
}
