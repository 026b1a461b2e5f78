package sheetgate

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	value    BatchResult
	storedAt time.Time
}

// VolatileCache is the in-process tier. Entries expire after a fixed window
// and are evicted lazily on access.
type VolatileCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

func NewVolatileCache(ttl time.Duration, now func() time.Time) *VolatileCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &VolatileCache{ttl: ttl, now: now, entries: map[string]cacheEntry{}}
}

func (c *VolatileCache) Get(signature string) (BatchResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[signature]
	if !ok {
		return BatchResult{}, false
	}
	if c.now().Sub(entry.storedAt) >= c.ttl {
		delete(c.entries, signature)
		return BatchResult{}, false
	}
	return entry.value.Clone(), true
}

func (c *VolatileCache) Put(signature string, value BatchResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[signature] = cacheEntry{value: value.Clone(), storedAt: c.now()}
}

func (c *VolatileCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]cacheEntry{}
}

func (c *VolatileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// BatchSignature identifies a batch request independent of name order.
func BatchSignature(sourceID string, entityNames []string) string {
	return sourceID + "|" + strings.Join(uniqueSorted(entityNames), ",")
}

func uniqueSorted(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
