// Package cache provides the bounded memo tables shared by type inference and
// embedded JSON parsing. Eviction only costs recomputation.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Add(key K, value V)
	Len() int
	Purge()
}

// LRU is a thread-safe least-recently-used cache with a fixed capacity.
type LRU[K comparable, V any] struct {
	inner *lru.Cache[K, V]
}

// NewLRU builds a cache holding at most size entries; size <= 0 falls back to 1024.
func NewLRU[K comparable, V any](size int) *LRU[K, V] {
	if size <= 0 {
		size = 1024
	}
	inner, err := lru.New[K, V](size)
	if err != nil {
		// lru.New only rejects non-positive sizes.
		panic(err)
	}
	return &LRU[K, V]{inner: inner}
}

func (c *LRU[K, V]) Get(key K) (V, bool) { return c.inner.Get(key) }

func (c *LRU[K, V]) Add(key K, value V) { c.inner.Add(key, value) }

func (c *LRU[K, V]) Len() int { return c.inner.Len() }

func (c *LRU[K, V]) Purge() { c.inner.Purge() }

// Nop never stores anything; useful to measure uncached behavior.
type Nop[K comparable, V any] struct{}

func (Nop[K, V]) Get(K) (V, bool) {
	var zero V
	return zero, false
}
func (Nop[K, V]) Add(K, V) {}
func (Nop[K, V]) Len() int { return 0 }
func (Nop[K, V]) Purge() {}
