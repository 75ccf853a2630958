// File: pool/objpool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import "sync"

// ObjectPool is a generic object pool.
type ObjectPool[T any] interface {
	Get() T
	Put(T)
}

// SyncPool wraps sync.Pool with a typed API.
type SyncPool[T any] struct {
	pool sync.Pool
}

// NewSyncPool creates a pool that calls creator when empty.
func NewSyncPool[T any](creator func() T) *SyncPool[T] {
	sp := &SyncPool[T]{}
	sp.pool.New = func() any { return creator() }
	return sp
}

// Get returns a pooled object or a new one.
func (sp *SyncPool[T]) Get() T {
	return sp.pool.Get().(T)
}

// Put returns obj to the pool.
func (sp *SyncPool[T]) Put(obj T) {
	sp.pool.Put(obj)
}

var _ ObjectPool[*[]byte] = (*SyncPool[*[]byte])(nil)
