// Package queue keeps per-key FIFO chains for work that must run in
// submission order for one key while different keys proceed independently.
package queue

import "sync"

// Chains holds one FIFO per key. A key stays present while it has queued
// items or its owner has not yet observed the chain empty.
type Chains[T any] struct {
	mu     sync.Mutex
	chains map[string][]T
}

// NewChains creates an empty set of chains.
func NewChains[T any]() *Chains[T] {
	return &Chains[T]{chains: make(map[string][]T)}
}

// Push appends item to key's chain. It reports true when the chain was idle,
// in which case the caller owns the chain and must drain it with Next.
func (c *Chains[T]) Push(key string, item T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	items, busy := c.chains[key]
	c.chains[key] = append(items, item)
	return !busy
}

// Next pops the head of key's chain. Once the chain is empty the key is
// released and ok is false; the owner must stop draining.
func (c *Chains[T]) Next(key string) (item T, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	items, busy := c.chains[key]
	if !busy {
		return item, false
	}
	if len(items) == 0 {
		delete(c.chains, key)
		return item, false
	}
	item = items[0]
	var zero T
	items[0] = zero
	c.chains[key] = items[1:]
	return item, true
}

// Pending returns the number of items queued behind key's running item.
func (c *Chains[T]) Pending(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chains[key])
}

// Len returns the number of keys with queued or running items.
func (c *Chains[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chains)
}
