// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector for endpoint monitoring.
// Exposes counters in a thread-safe map with dynamic registration.

package control

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsRegistry holds named counters. It implements api.Metrics.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
	updated  atomic.Int64
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters: make(map[string]*atomic.Int64),
	}
}

func (mr *MetricsRegistry) counter(name string) *atomic.Int64 {
	mr.mu.RLock()
	c, ok := mr.counters[name]
	mr.mu.RUnlock()
	if ok {
		return c
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if c, ok = mr.counters[name]; !ok {
		c = new(atomic.Int64)
		mr.counters[name] = c
	}
	return c
}

// Add increments name by delta, registering it on first use.
func (mr *MetricsRegistry) Add(name string, delta int64) {
	mr.counter(name).Add(delta)
	mr.updated.Store(time.Now().UnixNano())
}

// Get returns the current value of name.
func (mr *MetricsRegistry) Get(name string) int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	if c, ok := mr.counters[name]; ok {
		return c.Load()
	}
	return 0
}

// GetSnapshot returns the latest counter values.
func (mr *MetricsRegistry) GetSnapshot() map[string]int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]int64, len(mr.counters))
	for k, c := range mr.counters {
		out[k] = c.Load()
	}
	return out
}

// Updated returns the time of the last Add, zero if none.
func (mr *MetricsRegistry) Updated() time.Time {
	ns := mr.updated.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
