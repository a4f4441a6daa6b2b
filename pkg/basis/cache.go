package basis

import (
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"polycert/pkg/poly"
)

// Cache memoizes derived bases keyed by support. Concurrent first requests
// for the same support share one derivation; entries never change afterward.
type Cache struct {
	mu    sync.RWMutex
	items map[string]poly.MonomialVector
	group singleflight.Group
}

func NewCache() *Cache {
	return &Cache{items: map[string]poly.MonomialVector{}}
}

// Derive is basis.Derive with memoization.
func (c *Cache) Derive(support poly.MonomialVector, prune bool) poly.MonomialVector {
	key := cacheKey(support, prune)
	c.mu.RLock()
	v, ok := c.items[key]
	c.mu.RUnlock()
	if ok {
		return v
	}
	out, _, _ := c.group.Do(key, func() (any, error) {
		x := Derive(support, prune)
		c.mu.Lock()
		c.items[key] = x
		c.mu.Unlock()
		return x, nil
	})
	return out.(poly.MonomialVector)
}

// Choose is basis.Choose backed by the cache.
func (c *Cache) Choose(p poly.Polynomial, explicit poly.MonomialVector, opts Options) (poly.MonomialVector, error) {
	if len(explicit) > 0 {
		return Choose(p, explicit, opts)
	}
	return c.Derive(p.Support().Union(opts.Extra), opts.Prune), nil
}

// Len is the number of cached bases.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func cacheKey(support poly.MonomialVector, prune bool) string {
	key := strings.Join(support.Keys(), ",")
	if prune {
		return "prune|" + key
	}
	return key
}
