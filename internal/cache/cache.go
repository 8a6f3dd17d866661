// Package cache provides policy caches used in front of the service
// store: an in-process LRU with TTL and a Redis-backed distributed
// variant.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/authz-engine/policy-admin/pkg/types"
)

// PolicyCache caches policies by id
type PolicyCache interface {
	Get(id int64) (*types.Policy, bool)
	Set(id int64, policy *types.Policy)
	Delete(id int64)
	Clear()
	Stats() Stats
}

// Stats contains cache statistics
type Stats struct {
	Size    int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// LRU implements an LRU policy cache with TTL support
type LRU struct {
	capacity int
	ttl      time.Duration

	items map[int64]*list.Element
	order *list.List
	mu    sync.Mutex

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	id        int64
	policy    *types.Policy
	expiresAt time.Time
}

// NewLRU creates a new LRU policy cache
func NewLRU(capacity int, ttl time.Duration) *LRU {
	return &LRU{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[int64]*list.Element),
		order:    list.New(),
	}
}

// Get retrieves a policy from the cache
func (c *LRU) Get(id int64) (*types.Policy, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[id]; ok {
		entry := elem.Value.(*cacheEntry)

		if time.Now().After(entry.expiresAt) {
			c.removeElement(elem)
			atomic.AddUint64(&c.misses, 1)
			return nil, false
		}

		c.order.MoveToFront(elem)
		atomic.AddUint64(&c.hits, 1)
		return entry.policy, true
	}

	atomic.AddUint64(&c.misses, 1)
	return nil, false
}

// Set stores a policy in the cache
func (c *LRU) Set(id int64, policy *types.Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[id]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.policy = policy
		entry.expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}

	elem := c.order.PushFront(&cacheEntry{
		id:        id,
		policy:    policy,
		expiresAt: time.Now().Add(c.ttl),
	})
	c.items[id] = elem
}

// Delete removes a policy from the cache
func (c *LRU) Delete(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[id]; ok {
		c.removeElement(elem)
	}
}

// Clear removes all entries
func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[int64]*list.Element)
	c.order.Init()
}

// Stats returns cache statistics
func (c *LRU) Stats() Stats {
	c.mu.Lock()
	size := len(c.items)
	c.mu.Unlock()

	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Size:    size,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

func (c *LRU) removeElement(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.id)
	c.order.Remove(elem)
}
