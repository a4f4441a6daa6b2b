package domain

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"polycert/pkg/poly"
)

// Cache shares ideals between constraints over the same equalities and
// reduction bounds. An ideal is computed once per key and frozen.
type Cache struct {
	mu     sync.Mutex
	ideals map[string]*idealEntry
}

type idealEntry struct {
	once  sync.Once
	ideal *Ideal
	err   error
}

func NewCache() *Cache {
	return &Cache{ideals: map[string]*idealEntry{}}
}

// Preprocess is domain.Preprocess with the ideal of set shared across calls.
func (c *Cache) Preprocess(set Set, target poly.Polynomial, opts Options) (*Reduction, error) {
	ideal, err := c.Ideal(set, opts)
	if err != nil {
		return nil, err
	}
	return preprocessWithIdeal(set, ideal, target, opts)
}

// Ideal returns the ideal of set's equalities, computing it on first use.
func (c *Cache) Ideal(set Set, opts Options) (*Ideal, error) {
	key := idealKey(set.Equalities, opts)
	c.mu.Lock()
	e, ok := c.ideals[key]
	if !ok {
		e = &idealEntry{}
		c.ideals[key] = e
	}
	c.mu.Unlock()
	e.once.Do(func() {
		e.ideal, e.err = NewIdeal(set.Equalities, opts.MaxPairs, opts.MaxReductionDegree)
	})
	return e.ideal, e.err
}

// Len is the number of cached ideals.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ideals)
}

// idealKey ignores inequalities, which do not change the ideal, and includes
// the bounds, which decide whether the reduction succeeds.
func idealKey(equalities []poly.Polynomial, opts Options) string {
	eq := make([]string, len(equalities))
	for i, p := range equalities {
		eq[i] = p.String()
	}
	sort.Strings(eq)
	return fmt.Sprintf("eq{%s} pairs=%d deg=%d", strings.Join(eq, ";"), opts.MaxPairs, opts.MaxReductionDegree)
}
