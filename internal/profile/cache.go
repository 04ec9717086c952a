package profile

import (
	"container/list"
	"encoding/json"
	"strings"
	"sync"

	"github.com/glowstream/engine/internal/metrics"
)

// Cache is a fixed-capacity LRU keyed by pubkey. Get counts as a use,
// so hot profiles stay resident while idle ones age out.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type cacheEntry struct {
	pubkey string
	meta   *Metadata
}

// NewCache creates a cache holding at most capacity profiles.
func NewCache(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

// Get returns the cached profile for pubkey and refreshes its
// recency.
func (c *Cache) Get(pubkey string) (*Metadata, bool) {
	key := strings.ToLower(pubkey)
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		metrics.ProfileCacheMisses.Inc()
		return nil, false
	}
	c.order.MoveToFront(el)
	metrics.ProfileCacheHits.Inc()
	return el.Value.(*cacheEntry).meta, true
}

// Put stores a profile. An update for a pubkey already present only
// wins if it is not older than the cached copy.
func (c *Cache) Put(meta *Metadata) {
	if meta == nil || meta.PubKey == "" {
		return
	}
	key := strings.ToLower(meta.PubKey)
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		cached := el.Value.(*cacheEntry)
		if meta.UpdatedAt >= cached.meta.UpdatedAt {
			cached.meta = meta
		}
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).pubkey)
			metrics.ProfileCacheEvictions.Inc()
		}
	}

	c.entries[key] = c.order.PushFront(&cacheEntry{pubkey: key, meta: meta})
	metrics.ProfileCacheSize.Set(float64(c.order.Len()))
}

// Len reports the number of cached profiles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Snapshot serializes the cache contents, most recent first, for
// persistence across restarts.
func (c *Cache) Snapshot() ([]byte, error) {
	c.mu.Lock()
	out := make([]*Metadata, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*cacheEntry).meta)
	}
	c.mu.Unlock()
	return json.Marshal(out)
}

// Restore loads a snapshot produced by Snapshot. Entries beyond the
// cache capacity are dropped, oldest first.
func (c *Cache) Restore(data []byte) error {
	var metas []*Metadata
	if err := json.Unmarshal(data, &metas); err != nil {
		return err
	}
	// Snapshot order is most recent first, insert in reverse so the
	// recency order survives the round trip.
	for i := len(metas) - 1; i >= 0; i-- {
		c.Put(metas[i])
	}
	return nil
}
