// Package cache provides a small concurrency-safe map cache. Quiver uses it
// to memoize parsed einsum execution plans keyed by equation and operand
// shapes.
package cache

import (
	"sync"
)

// Map is an unbounded string-keyed cache safe for concurrent use. Stored
// values are expected to be immutable; Get returns them without copying.
type Map[V any] struct {
	data map[string]V
	mu   sync.RWMutex
}

func NewMap[V any]() *Map[V] {
	return &Map[V]{
		data: make(map[string]V),
	}
}

func (c *Map[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.data[key]
	return v, ok
}

func (c *Map[V]) Put(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = v
}

// Size returns the number of items in the cache.
func (c *Map[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
