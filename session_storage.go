package wsev

import (
	"sync"

	"github.com/dolthub/maphash"
)

// SessionStorage 会话存储
// session storage attached to every connection
type SessionStorage interface {
	Load(key string) (value any, exist bool)
	Delete(key string)
	Store(key string, value any)
	Range(f func(key string, value any) bool)
}

func NewMap() *Map {
	return &Map{d: make(map[string]any)}
}

// Map 基于读写锁的会话存储
// a session storage guarded by a RWMutex
type Map struct {
	mu sync.RWMutex
	d  map[string]any
}

func (c *Map) Len() int {
	c.mu.RLock()
	n := len(c.d)
	c.mu.RUnlock()
	return n
}

func (c *Map) Load(key string) (value any, exist bool) {
	c.mu.RLock()
	value, exist = c.d[key]
	c.mu.RUnlock()
	return
}

// Delete deletes the value for a key.
func (c *Map) Delete(key string) {
	c.mu.Lock()
	delete(c.d, key)
	c.mu.Unlock()
}

// Store sets the value for a key.
func (c *Map) Store(key string, value any) {
	c.mu.Lock()
	c.d[key] = value
	c.mu.Unlock()
}

// Range calls f sequentially for each key and value present in the map.
// If f returns false, range stops the iteration.
func (c *Map) Range(f func(key string, value any) bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.d {
		if ok := f(k, v); !ok {
			return
		}
	}
}

// ConcurrentMap 分片哈希表, 用来存储服务器的连接
// a sharded map, used by the server to store its connections
type ConcurrentMap[K comparable, V any] struct {
	hasher   maphash.Hasher[K]
	segments uint64
	buckets  []*bucket[K, V]
}

type bucket[K comparable, V any] struct {
	sync.RWMutex
	m map[K]V
}

// NewConcurrentMap segments将被向上取整为2的幂
// segments will be rounded up to a power of two
func NewConcurrentMap[K comparable, V any](segments uint64) *ConcurrentMap[K, V] {
	if segments == 0 {
		segments = 16
	} else {
		var num = uint64(1)
		for num < segments {
			num *= 2
		}
		segments = num
	}
	var cm = &ConcurrentMap[K, V]{
		hasher:   maphash.NewHasher[K](),
		segments: segments,
		buckets:  make([]*bucket[K, V], segments),
	}
	for i := range cm.buckets {
		cm.buckets[i] = &bucket[K, V]{m: make(map[K]V)}
	}
	return cm
}

func (c *ConcurrentMap[K, V]) getBucket(key K) *bucket[K, V] {
	return c.buckets[c.hasher.Hash(key)&(c.segments-1)]
}

func (c *ConcurrentMap[K, V]) Len() int {
	var total = 0
	for _, b := range c.buckets {
		b.RLock()
		total += len(b.m)
		b.RUnlock()
	}
	return total
}

func (c *ConcurrentMap[K, V]) Load(key K) (value V, exist bool) {
	var b = c.getBucket(key)
	b.RLock()
	value, exist = b.m[key]
	b.RUnlock()
	return
}

func (c *ConcurrentMap[K, V]) Store(key K, value V) {
	var b = c.getBucket(key)
	b.Lock()
	b.m[key] = value
	b.Unlock()
}

func (c *ConcurrentMap[K, V]) Delete(key K) {
	var b = c.getBucket(key)
	b.Lock()
	delete(b.m, key)
	b.Unlock()
}

func (c *ConcurrentMap[K, V]) Range(f func(key K, value V) bool) {
	for _, b := range c.buckets {
		b.RLock()
		for k, v := range b.m {
			if !f(k, v) {
				b.RUnlock()
				return
			}
		}
		b.RUnlock()
	}
}
