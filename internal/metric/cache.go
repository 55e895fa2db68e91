package metric

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Cache short-circuits evaluation for identical inputs. It is an
// optimization only; a nil Cache disables caching.
type Cache interface {
	Get(ctx context.Context, key string) (map[string]any, bool)
	Set(ctx context.Context, key string, value map[string]any)
}

const cacheKeyPrefix = "promptlab:metrics:"

type keyMaterial struct {
	Text       string      `json:"text"`
	Selections []Selection `json:"selections"`
	Disabled   []string    `json:"disabled"`
	Reference  string      `json:"reference"`
}

// CacheKey hashes (text, selections, disabled, reference) into a stable key.
// Selection and disabled order do not matter.
func CacheKey(text string, selections []Selection, disabled []string, reference string) string {
	sels := append([]Selection(nil), selections...)
	sort.SliceStable(sels, func(i, j int) bool { return sels[i].ID < sels[j].ID })
	dis := append([]string(nil), disabled...)
	sort.Strings(dis)

	// Marshal of these plain structs cannot fail.
	b, _ := json.Marshal(keyMaterial{Text: text, Selections: sels, Disabled: dis, Reference: reference})
	sum := sha256.Sum256(b)
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}

// deepCopy copies a decoded JSON value.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = deepCopy(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = deepCopy(val)
		}
		return s
	default:
		return v
	}
}

func copyResult(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return deepCopy(m).(map[string]any)
}

type memoryEntry struct {
	value     map[string]any
	expiresAt time.Time
}

// MemoryCache is an in-process Cache with a TTL and a periodic sweep of
// expired entries.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryCache creates a cache whose entries live for ttl. When
// sweepInterval is positive a goroutine evicts expired entries until Close.
func NewMemoryCache(ttl, sweepInterval time.Duration) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.sweepLoop(sweepInterval)
	}
	return c
}

func (c *MemoryCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

// Get returns a copy of the cached value if present and unexpired.
func (c *MemoryCache) Get(_ context.Context, key string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return copyResult(e.value), true
}

// Set stores a copy of value.
func (c *MemoryCache) Set(_ context.Context, key string, value map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: copyResult(value), expiresAt: c.now().Add(c.ttl)}
}

// Sweep evicts expired entries and returns how many were removed.
func (c *MemoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the sweeper.
func (c *MemoryCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
