// Package cache implements the process-local cache of resolved shared records.
package cache

import (
	"errors"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize bounds the cache when no size is configured.
const DefaultSize = 10000

var errInvalidSize = errors.New("cache: size must be positive")

type entry[V any] struct {
	nodeID int64
	path   string
	value  V
}

// NodeCache is an LRU cache whose entries can also be evicted by node id, path or path subtree.
// It is safe for concurrent use.
type NodeCache[K comparable, V any] struct {
	entries *lru.Cache[K, entry[V]]

	mu     sync.Mutex
	byNode map[int64]map[K]struct{}
	byPath map[string]map[K]struct{}
}

// New constructs a cache holding at most size entries.
func New[K comparable, V any](size int) (*NodeCache[K, V], error) {
	if size <= 0 {
		return nil, errInvalidSize
	}
	cache := &NodeCache[K, V]{
		byNode: map[int64]map[K]struct{}{},
		byPath: map[string]map[K]struct{}{},
	}
	entries, err := lru.NewWithEvict[K, entry[V]](size, cache.forget)
	if err != nil {
		return nil, err
	}
	cache.entries = entries
	return cache, nil
}

// Get returns the cached value for key.
func (c *NodeCache[K, V]) Get(key K) (V, bool) {
	cached, ok := c.entries.Get(key)
	return cached.value, ok
}

// Put stores value under key, indexed by nodeID and path.
func (c *NodeCache[K, V]) Put(key K, nodeID int64, path string, value V) {
	c.entries.Add(key, entry[V]{nodeID: nodeID, path: normalizePath(path), value: value})

	c.mu.Lock()
	defer c.mu.Unlock()
	addIndex(c.byNode, nodeID, key)
	addIndex(c.byPath, normalizePath(path), key)
}

// Len returns the number of cached entries.
func (c *NodeCache[K, V]) Len() int {
	return c.entries.Len()
}

// InvalidateNode removes every entry cached for nodeID.
func (c *NodeCache[K, V]) InvalidateNode(nodeID int64) int {
	c.mu.Lock()
	keys := takeIndex(c.byNode, nodeID)
	c.mu.Unlock()
	return c.remove(keys)
}

// InvalidatePath removes every entry cached for exactly path.
func (c *NodeCache[K, V]) InvalidatePath(path string) int {
	c.mu.Lock()
	keys := takeIndex(c.byPath, normalizePath(path))
	c.mu.Unlock()
	return c.remove(keys)
}

// InvalidateSubtree removes entries cached for path and every path below it.
func (c *NodeCache[K, V]) InvalidateSubtree(path string) int {
	root := normalizePath(path)
	prefix := root + "/"
	var keys []K
	c.mu.Lock()
	for candidate := range c.byPath {
		if candidate == root || strings.HasPrefix(candidate, prefix) {
			keys = append(keys, takeIndex(c.byPath, candidate)...)
		}
	}
	c.mu.Unlock()
	return c.remove(keys)
}

// Purge drops every entry.
func (c *NodeCache[K, V]) Purge() {
	c.entries.Purge()
	c.mu.Lock()
	c.byNode = map[int64]map[K]struct{}{}
	c.byPath = map[string]map[K]struct{}{}
	c.mu.Unlock()
}

func (c *NodeCache[K, V]) remove(keys []K) int {
	removed := 0
	for _, key := range keys {
		if c.entries.Remove(key) {
			removed++
		}
	}
	return removed
}

// forget runs after the LRU dropped an entry, outside the LRU's own lock.
func (c *NodeCache[K, V]) forget(key K, evicted entry[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropIndex(c.byNode, evicted.nodeID, key)
	dropIndex(c.byPath, evicted.path, key)
}

func addIndex[I comparable, K comparable](index map[I]map[K]struct{}, id I, key K) {
	keys, ok := index[id]
	if !ok {
		keys = map[K]struct{}{}
		index[id] = keys
	}
	keys[key] = struct{}{}
}

func dropIndex[I comparable, K comparable](index map[I]map[K]struct{}, id I, key K) {
	keys, ok := index[id]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(index, id)
	}
}

func takeIndex[I comparable, K comparable](index map[I]map[K]struct{}, id I) []K {
	keys := index[id]
	delete(index, id)
	taken := make([]K, 0, len(keys))
	for key := range keys {
		taken = append(taken, key)
	}
	return taken
}

func normalizePath(path string) string {
	return strings.ToLower(strings.TrimSuffix(path, "/"))
}
