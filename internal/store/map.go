// Package store provides the observable keyed stores behind the runner's
// action registry and the coordinator's artifact map.
package store

import (
	"sort"
	"sync"
)

// ChangeFunc is invoked after every mutation with the key and new value.
// deleted is true when the key was removed.
type ChangeFunc[K comparable, V any] func(key K, value V, deleted bool)

// Map is a mutex-guarded map that notifies a listener on change. Callbacks
// run outside the data lock, so they may read the map, and are delivered one
// at a time in the order the mutations were stored. A callback must not
// mutate the map that invoked it.
type Map[K comparable, V any] struct {
	mu       sync.RWMutex
	items    map[K]V
	order    []K
	onChange ChangeFunc[K, V]
	seq      uint64 // guarded by mu

	// Change n is delivered only after change n-1.
	notifyMu  sync.Mutex
	turn      *sync.Cond
	delivered uint64
}

// NewMap creates an empty map. onChange may be nil.
func NewMap[K comparable, V any](onChange ChangeFunc[K, V]) *Map[K, V] {
	m := &Map[K, V]{items: map[K]V{}, onChange: onChange}
	m.turn = sync.NewCond(&m.notifyMu)
	return m
}

// Get returns the value stored for key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok
}

// Len returns the number of keys.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Set stores value under key.
func (m *Map[K, V]) Set(key K, value V) {
	m.mu.Lock()
	if _, ok := m.items[key]; !ok {
		m.order = append(m.order, key)
	}
	m.items[key] = value
	m.unlockAndNotify(key, value, false)
}

// SetIfAbsent stores value only when key is unknown and reports whether it did.
func (m *Map[K, V]) SetIfAbsent(key K, value V) bool {
	m.mu.Lock()
	if _, ok := m.items[key]; ok {
		m.mu.Unlock()
		return false
	}
	m.items[key] = value
	m.order = append(m.order, key)
	m.unlockAndNotify(key, value, false)
	return true
}

// Update applies fn to the current value under the write lock. fn returns the
// new value and whether to keep it; returning false leaves the entry untouched
// and suppresses the notification. Update reports whether a change was stored.
func (m *Map[K, V]) Update(key K, fn func(current V, exists bool) (V, bool)) (V, bool) {
	m.mu.Lock()
	current, exists := m.items[key]
	next, keep := fn(current, exists)
	if !keep {
		m.mu.Unlock()
		return current, false
	}
	if !exists {
		m.order = append(m.order, key)
	}
	m.items[key] = next
	m.unlockAndNotify(key, next, false)
	return next, true
}

// Delete removes key.
func (m *Map[K, V]) Delete(key K) {
	m.mu.Lock()
	v, ok := m.items[key]
	if ok {
		delete(m.items, key)
		for i, k := range m.order {
			if k == key {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	if !ok {
		m.mu.Unlock()
		return
	}
	m.unlockAndNotify(key, v, true)
}

// Keys returns keys in insertion order.
func (m *Map[K, V]) Keys() []K {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]K, len(m.order))
	copy(out, m.order)
	return out
}

// Values returns values in insertion order.
func (m *Map[K, V]) Values() []V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]V, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.items[k])
	}
	return out
}

// Snapshot returns a copy of the map contents.
func (m *Map[K, V]) Snapshot() map[K]V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[K]V, len(m.items))
	for k, v := range m.items {
		out[k] = v
	}
	return out
}

// unlockAndNotify releases mu, which the caller holds for writing, and
// delivers the change it just stored.
func (m *Map[K, V]) unlockAndNotify(key K, value V, deleted bool) {
	if m.onChange == nil {
		m.mu.Unlock()
		return
	}
	m.seq++
	ticket := m.seq
	m.mu.Unlock()

	m.notifyMu.Lock()
	for m.delivered != ticket-1 {
		m.turn.Wait()
	}
	m.notifyMu.Unlock()

	defer func() {
		m.notifyMu.Lock()
		m.delivered = ticket
		m.turn.Broadcast()
		m.notifyMu.Unlock()
	}()
	m.onChange(key, value, deleted)
}

// SortedKeys returns the keys of a string-keyed snapshot in lexical order.
func SortedKeys[V any](items map[string]V) []string {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
