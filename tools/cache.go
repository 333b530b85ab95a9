package tools

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
)

// DefaultCacheSize bounds cache entries when no cap is given.
const DefaultCacheSize = 1024

// Cache is a bounded LRU keyed by content-addressed strings. It backs both
// the tool result cache and the retrieval cache.
type Cache struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[string]*list.Element
}

type cacheItem struct {
	key string
	val map[string]any
}

// NewCache returns a Cache holding at most cap entries; cap <= 0 uses
// DefaultCacheSize.
func NewCache(cap int) *Cache {
	if cap <= 0 {
		cap = DefaultCacheSize
	}
	return &Cache{cap: cap, order: list.New(), items: make(map[string]*list.Element)}
}

// Get returns the cached value for key and marks it recently used.
func (c *Cache) Get(key string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheItem).val, true
}

// Put stores val under key, evicting the least recently used entry when
// over capacity.
func (c *Cache) Put(key string, val map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheItem).val = val
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&cacheItem{key: key, val: val})
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheItem).key)
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// ToolKey derives the cache key for a read-only tool invocation. Equal
// tenant, tool, and argument values always produce the same key: map keys
// are sorted by the JSON encoder.
func ToolKey(tenantID, tool string, args map[string]any) string {
	b, _ := json.Marshal(args)
	return digest("tool", tenantID, tool, string(b))
}

// RetrievalKey derives the cache key for a retrieval query.
func RetrievalKey(tenantID, corpusVersion string, topK int, query string) string {
	return digest("retrieval", tenantID, corpusVersion, fmt.Sprintf("%d", topK), query)
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
