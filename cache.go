package ledger

import (
	"sync"

	"github.com/kode4food/lru"
)

type (
	// snapshotCache holds one lockable entry per aggregate id. The LRU owns
	// the entries; their values are guarded by the entry's own mutex
	snapshotCache[T any] struct {
		entries *lru.Cache[*cacheEntry[T]]
	}

	cacheEntry[T any] struct {
		value T
		ok    bool
		mu    sync.Mutex
	}
)

func newSnapshotCache[T any](maxSize int) *snapshotCache[T] {
	if maxSize <= 0 {
		maxSize = DefaultExecutorCacheSize
	}
	return &snapshotCache[T]{
		entries: lru.NewCache[*cacheEntry[T]](maxSize),
	}
}

// entry returns the entry for key, creating an empty one if needed
func (c *snapshotCache[T]) entry(key string) *cacheEntry[T] {
	e, _ := c.entries.Get(key, func() (*cacheEntry[T], error) {
		return &cacheEntry[T]{}, nil
	})
	return e
}

func (e *cacheEntry[T]) get() (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.ok
}

func (e *cacheEntry[T]) update(fn func(T, bool) T) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = fn(e.value, e.ok)
	e.ok = true
}

func (e *cacheEntry[T]) clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	var zero T
	e.value = zero
	e.ok = false
}
