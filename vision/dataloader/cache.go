package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

// CacheManager is an LRU cache of decoded clip tensors keyed by clip key
type CacheManager struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List
	maxSize  int
	itemSize int // Values per clip, 0 to accept any size

	// Statistics
	hits   int64
	misses int64
}

type cacheEntry struct {
	key  string
	data []float32
}

// NewCacheManager creates a cache holding at most maxSize clips. A cache
// with maxSize <= 0 stores nothing.
func NewCacheManager(maxSize int, itemSize int) *CacheManager {
	return &CacheManager{
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		maxSize:  maxSize,
		itemSize: itemSize,
	}
}

// Get retrieves a clip. The returned slice is shared and must not be
// modified.
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.entries[key]; ok {
		cm.lru.MoveToFront(elem)
		cm.hits++
		return elem.Value.(*cacheEntry).data, true
	}

	cm.misses++
	return nil, false
}

// Put adds a clip, evicting the least recently used ones when full
func (cm *CacheManager) Put(key string, data []float32) error {
	if cm.itemSize > 0 && len(data) != cm.itemSize {
		return fmt.Errorf("clip %q has %d values, cache expects %d", key, len(data), cm.itemSize)
	}
	if cm.maxSize <= 0 {
		return nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.entries[key]; ok {
		cm.lru.MoveToFront(elem)
		return nil
	}

	cm.entries[key] = cm.lru.PushFront(&cacheEntry{key: key, data: data})

	for cm.lru.Len() > cm.maxSize {
		oldest := cm.lru.Back()
		cm.lru.Remove(oldest)
		delete(cm.entries, oldest.Value.(*cacheEntry).key)
	}
	return nil
}

// Len returns the number of cached clips
func (cm *CacheManager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.lru.Len()
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:    cm.lru.Len(),
		MaxSize: cm.maxSize,
		Hits:    cm.hits,
		Misses:  cm.misses,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// Clear empties the cache. Statistics are kept.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.entries = make(map[string]*list.Element)
	cm.lru.Init()
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d clips, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
