// File: internal/session/store.go
// Package session
// Author: momentics <momentics@gmail.com>
//
// Sharded, thread-safe connection registry for high concurrency.

package session

import (
	"hash/fnv"
	"sync"
)

// Entry is anything registered under a stable identifier.
type Entry interface {
	ID() string
}

// Registry implements sharded storage for live entries.
type Registry[T Entry] struct {
	shards []*shard[T]
	mask   uint32
}

type shard[T Entry] struct {
	mu      sync.RWMutex
	entries map[string]T
}

// NewRegistry constructs a registry with shardCount shards, rounded up to a
// power of two. shardCount <= 0 selects 16.
func NewRegistry[T Entry](shardCount int) *Registry[T] {
	if shardCount <= 0 {
		shardCount = 16
	}
	// find power-of-two shards for bitmasking
	m := nextPowerOfTwo(uint32(shardCount))
	shards := make([]*shard[T], m)
	for i := range shards {
		shards[i] = &shard[T]{entries: make(map[string]T)}
	}
	return &Registry[T]{shards: shards, mask: m - 1}
}

func (r *Registry[T]) shard(id string) *shard[T] {
	return r.shards[fnv32(id)&r.mask]
}

// Add stores e under e.ID(). It returns false if the ID is already taken.
func (r *Registry[T]) Add(e T) bool {
	id := e.ID()
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.entries[id]; ok {
		return false
	}
	sh.entries[id] = e
	return true
}

// Get fetches an entry if present.
func (r *Registry[T]) Get(id string) (T, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[id]
	return e, ok
}

// Remove deletes id and reports whether it was present.
func (r *Registry[T]) Remove(id string) bool {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.entries[id]; !ok {
		return false
	}
	delete(sh.entries, id)
	return true
}

// Len counts entries across all shards.
func (r *Registry[T]) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Range calls fn for every entry until fn returns false. Each shard is
// copied before fn runs, so fn may call back into the registry.
func (r *Registry[T]) Range(fn func(T) bool) {
	for _, sh := range r.shards {
		sh.mu.RLock()
		batch := make([]T, 0, len(sh.entries))
		for _, e := range sh.entries {
			batch = append(batch, e)
		}
		sh.mu.RUnlock()
		for _, e := range batch {
			if !fn(e) {
				return
			}
		}
	}
}

// Snapshot returns all entries in no particular order.
func (r *Registry[T]) Snapshot() []T {
	var out []T
	r.Range(func(e T) bool {
		out = append(out, e)
		return true
	})
	return out
}

// fnv32 hashes a string to uint32.
func fnv32(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

// nextPowerOfTwo returns the next power-of-two >= v.
func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
