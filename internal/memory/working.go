// Package memory implements the four memory tiers (component I): a
// capacity-bounded working cache, persisted episodic/semantic/procedural
// stores, and a cross-tier fused query.
package memory

import (
	"sync"
	"time"

	"github.com/agentmesh/runtime/internal/lru"
	"github.com/agentmesh/runtime/pkg/types"
)

// Working is the capacity-bounded, most-recently-used item cache (default
// 7±2 entries). Eviction hands the evicted item to an optional sink so it
// can be folded into the episodic tier rather than simply discarded.
type Working struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *types.WorkingItem]
	sink  func(*types.WorkingItem)
}

// NewWorking creates a working-memory tier of the given capacity. onEvict,
// if non-nil, receives each item evicted by capacity pressure.
func NewWorking(capacity int, onEvict func(*types.WorkingItem)) *Working {
	w := &Working{sink: onEvict}
	w.cache = lru.New[string, *types.WorkingItem](capacity, 0)
	w.cache.OnEvict = func(_ string, item *types.WorkingItem) {
		if w.sink != nil {
			w.sink(item)
		}
	}
	return w
}

// Put inserts or updates an item, evicting the least-recently-used entry to
// the sink if the tier is at capacity.
func (w *Working) Put(item *types.WorkingItem) {
	w.cache.Put(item.Key, item)
}

// Get retrieves an item by key, bumping its recency and access bookkeeping.
func (w *Working) Get(key string) (*types.WorkingItem, bool) {
	item, ok := w.cache.Get(key)
	if !ok {
		return nil, false
	}
	w.mu.Lock()
	item.AccessedAt = time.Now()
	item.AccessCount++
	w.mu.Unlock()
	return item, true
}

// Snapshot returns every live item, most-recently-used first.
func (w *Working) Snapshot() []*types.WorkingItem {
	return w.cache.Snapshot()
}

// Len reports the number of items currently held.
func (w *Working) Len() int { return w.cache.Len() }
