// internal/breakdown/cache.go
package breakdown

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/WORKHIVE/internal/work"
)

// entry is one cached decomposition
type entry struct {
	MicroTasks  []work.MicroTask
	ParentID    string
	CreatedAt   time.Time
	AccessCount int
}

// CacheStats is a point-in-time view of cache counters
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Clears int64 `json:"clears"`
	Size   int   `json:"size"`
}

// Cache is a content-addressed store of breakdown outputs. Entries age
// out after the TTL and the least recently used entry is evicted once
// the size cap is reached; completing a parent purges its entries.
type Cache struct {
	mu     sync.Mutex
	lru    *expirable.LRU[string, *entry]
	hits   int64
	misses int64
	clears int64
}

// NewCache creates a cache with the given capacity and TTL
func NewCache(maxSize int, ttl time.Duration) *Cache {
	return &Cache{
		lru: expirable.NewLRU[string, *entry](maxSize, nil, ttl),
	}
}

// keyFields is the stable subset of parent fields that addresses a
// decomposition. Field order is fixed so the JSON encoding, and
// therefore the hash, is deterministic.
type keyFields struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	EstimatedHours float64 `json:"estimated_hours"`
	Complexity     string  `json:"complexity"`
}

// Key derives the content hash for a parent item
func Key(item *work.WorkItem) string {
	raw, _ := json.Marshal(keyFields{
		ID:             item.ID,
		Name:           item.Name,
		Description:    item.Description,
		EstimatedHours: item.EstimatedHours,
		Complexity:     string(item.Complexity),
	})
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%x", sum)
}

// Get returns the cached micro-task list for the key, if present and
// not expired. Copies are returned so callers cannot mutate the cache.
func (c *Cache) Get(key string) ([]work.MicroTask, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	e.AccessCount++
	c.hits++
	return append([]work.MicroTask(nil), e.MicroTasks...), true
}

// Put stores a decomposition under the key
func (c *Cache) Put(key, parentID string, tasks []work.MicroTask) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(key, &entry{
		MicroTasks: append([]work.MicroTask(nil), tasks...),
		ParentID:   parentID,
		CreatedAt:  time.Now(),
	})
}

// PurgeParent removes all entries belonging to the parent and returns
// how many were dropped.
func (c *Cache) PurgeParent(parentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var doomed []string
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && e.ParentID == parentID {
			doomed = append(doomed, key)
		}
	}
	for _, key := range doomed {
		c.lru.Remove(key)
		c.clears++
	}
	return len(doomed)
}

// Stats returns the current counters
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Hits:   c.hits,
		Misses: c.misses,
		Clears: c.clears,
		Size:   c.lru.Len(),
	}
}

// HitRate returns hits / (hits + misses), zero when untouched
func (c *Cache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}
