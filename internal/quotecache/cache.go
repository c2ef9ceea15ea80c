// Package quotecache memoizes swap quotes in a bounded TTL cache with a
// pluggable eviction policy. Expiry is independent of eviction: an expired
// entry is a miss under every policy and is purged lazily on access.
package quotecache

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Policy selects the eviction victim when the cache is full.
type Policy string

const (
	PolicyLRU  Policy = "lru"
	PolicyLFU  Policy = "lfu"
	PolicyFIFO Policy = "fifo"
	PolicyTTL  Policy = "ttl" // earliest expiry first
)

// Entry is one cached quote with its bookkeeping.
type Entry struct {
	Key          string
	Data         interface{}
	CreatedAt    time.Time
	TTL          time.Duration
	AccessCount  int64
	LastAccessed time.Time
}

func (e *Entry) expiresAt() time.Time { return e.CreatedAt.Add(e.TTL) }

// Cache is a bounded TTL cache. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	policy  Policy
	entries map[string]*list.Element
	order   *list.List // front = most recently used (LRU) / most recently added (FIFO)

	hits   int64
	misses int64

	stop chan struct{}
	once sync.Once

	now func() time.Time // test seam
}

// New creates a cache holding at most maxSize entries.
func New(maxSize int, policy Policy) *Cache {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &Cache{
		maxSize: maxSize,
		policy:  policy,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
}

// QuoteKey derives the deterministic cache key for a trade.
func QuoteKey(fromToken, toToken, amount string, slippage float64) string {
	return fmt.Sprintf("quote:%s:%s:%s:%.4f", strings.ToLower(fromToken), strings.ToLower(toToken), amount, slippage)
}

// Get returns the cached value for key. Expired entries are a miss and are
// removed on the spot.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := el.Value.(*Entry)
	if c.now().After(entry.expiresAt()) {
		c.removeLocked(el)
		c.misses++
		return nil, false
	}

	entry.AccessCount++
	entry.LastAccessed = c.now()
	if c.policy == PolicyLRU {
		c.order.MoveToFront(el)
	}
	c.hits++
	return entry.Data, true
}

// Set stores a value under key, evicting per policy if the cache is full.
func (c *Cache) Set(key string, data interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*Entry)
		entry.Data = data
		entry.CreatedAt = c.now()
		entry.TTL = ttl
		if c.policy == PolicyLRU {
			c.order.MoveToFront(el)
		}
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictLocked()
	}

	entry := &Entry{
		Key:          key,
		Data:         data,
		CreatedAt:    c.now(),
		TTL:          ttl,
		LastAccessed: c.now(),
	}
	c.entries[key] = c.order.PushFront(entry)
}

// InvalidatePrefix removes every entry whose key starts with prefix and
// returns how many were dropped.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if strings.HasPrefix(el.Value.(*Entry).Key, prefix) {
			c.removeLocked(el)
			removed++
		}
		el = next
	}
	return removed
}

// Len returns the number of entries, expired ones included until purged.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cumulative hit/miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// StartSweeper purges expired entries every interval until Stop is called.
func (c *Cache) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop terminates the background sweeper. Invoked by the process lifecycle
// owner, not registered globally by the cache.
func (c *Cache) Stop() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if now.After(el.Value.(*Entry).expiresAt()) {
			c.removeLocked(el)
		}
		el = next
	}
}

func (c *Cache) evictLocked() {
	switch c.policy {
	case PolicyLFU:
		var victim *list.Element
		for el := c.order.Front(); el != nil; el = el.Next() {
			if victim == nil || el.Value.(*Entry).AccessCount < victim.Value.(*Entry).AccessCount {
				victim = el
			}
		}
		if victim != nil {
			c.removeLocked(victim)
		}
	case PolicyTTL:
		var victim *list.Element
		for el := c.order.Front(); el != nil; el = el.Next() {
			if victim == nil || el.Value.(*Entry).expiresAt().Before(victim.Value.(*Entry).expiresAt()) {
				victim = el
			}
		}
		if victim != nil {
			c.removeLocked(victim)
		}
	default:
		// LRU: least recently used is at the back because Get moves to front.
		// FIFO: oldest insertion is at the back because Get never moves.
		if el := c.order.Back(); el != nil {
			c.removeLocked(el)
		}
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	delete(c.entries, el.Value.(*Entry).Key)
	c.order.Remove(el)
}
