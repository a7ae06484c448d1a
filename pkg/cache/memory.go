package cache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// entry is a single cached value with its insertion time and lifetime
type entry[V any] struct {
	value     V
	createdAt time.Time
	ttl       time.Duration
}

func (e entry[V]) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) >= e.ttl
}

// MemoryCache is an in-memory implementation of the Cache interface
type MemoryCache[V any] struct {
	data  map[string]entry[V]
	ttl   time.Duration
	clock clock.Clock
	mu    sync.RWMutex
}

// NewMemoryCache creates a new in-memory cache with the given default TTL
func NewMemoryCache[V any](ttl time.Duration, opts ...Option) *MemoryCache[V] {
	o := buildOptions(opts)
	return &MemoryCache[V]{
		data:  make(map[string]entry[V]),
		ttl:   ttl,
		clock: o.clock,
	}
}

// Get retrieves a value, evicting it first if it has expired
func (m *MemoryCache[V]) Get(key string) (V, bool) {
	var zero V

	m.mu.RLock()
	e, exists := m.data[key]
	m.mu.RUnlock()

	if !exists {
		return zero, false
	}

	if e.expired(m.clock.Now()) {
		m.mu.Lock()
		// Another writer may have refreshed the key since the read lock was released
		if cur, ok := m.data[key]; ok && cur.expired(m.clock.Now()) {
			delete(m.data, key)
		}
		m.mu.Unlock()
		return zero, false
	}

	return e.value, true
}

// Set stores a value with the default TTL
func (m *MemoryCache[V]) Set(key string, value V) {
	m.SetWithTTL(key, value, m.ttl)
}

// SetWithTTL stores a value with the specified TTL
func (m *MemoryCache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = entry[V]{
		value:     value,
		createdAt: m.clock.Now(),
		ttl:       ttl,
	}
}

// Delete removes a single key
func (m *MemoryCache[V]) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

// Clear drops every entry
func (m *MemoryCache[V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]entry[V])
}

// Len returns the number of stored entries, including expired ones not yet read
func (m *MemoryCache[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Close is a no-op for the memory cache
func (m *MemoryCache[V]) Close() error {
	return nil
}

// snapshot copies the live entries, skipping expired ones
func (m *MemoryCache[V]) snapshot() map[string]entry[V] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	out := make(map[string]entry[V], len(m.data))
	for k, e := range m.data {
		if e.expired(now) {
			continue
		}
		out[k] = e
	}
	return out
}

// restore inserts entries loaded from elsewhere, keeping their original timestamps
func (m *MemoryCache[V]) restore(entries map[string]entry[V]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range entries {
		m.data[k] = e
	}
}
