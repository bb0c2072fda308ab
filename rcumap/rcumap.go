// Package rcumap provides a read-mostly map whose lookups never lock.
//
// Every write clones the whole map and publishes the clone through an
// rcu.Variable, so Map suits small-to-medium tables that are read far more
// often than they change: routing entries, feature flags, per-tenant limits.
package rcumap

import (
	"context"

	"github.com/xiaonanln/rcuvar/rcu"
)

// Entries is one published version of a Map's contents. It must be treated as
// read-only.
type Entries[K comparable, V any] map[K]V

// Clone returns a copy of the entries. Values are copied shallowly.
func (e Entries[K, V]) Clone() Entries[K, V] {
	c := make(Entries[K, V], len(e))
	for k, v := range e {
		c[k] = v
	}
	return c
}

// Map is a concurrent map optimized for reads. Get, Len, Keys and Snapshot
// never wait for writers; writers are serialized.
type Map[K comparable, V any] struct {
	v *rcu.Variable[Entries[K, V]]
}

// New creates an empty Map.
func New[K comparable, V any](opts ...rcu.Option) *Map[K, V] {
	return &Map[K, V]{
		v: rcu.New(make(Entries[K, V]), opts...),
	}
}

// Get returns the value stored under key
func (m *Map[K, V]) Get(key K) (V, bool) {
	s := m.v.Read()
	defer s.Release()
	val, ok := s.Get()[key]
	return val, ok
}

// Len returns the number of entries
func (m *Map[K, V]) Len() int {
	s := m.v.Read()
	defer s.Release()
	return len(s.Get())
}

// Keys returns the keys of the current version in unspecified order
func (m *Map[K, V]) Keys() []K {
	s := m.v.Read()
	defer s.Release()
	entries := s.Get()
	keys := make([]K, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a consistent view for several lookups. The caller must
// release it.
func (m *Map[K, V]) Snapshot() *rcu.Snapshot[Entries[K, V]] {
	return m.v.Read()
}

// Version returns the sequence number of the published contents
func (m *Map[K, V]) Version() uint64 {
	return m.v.Version()
}

// Set stores value under key
func (m *Map[K, V]) Set(key K, value V) {
	w := rcu.StartWrite(m.v)
	(*w.Value())[key] = value
	w.Commit()
}

// Delete removes key and reports whether it was present. Nothing is published
// when the key is absent.
func (m *Map[K, V]) Delete(key K) bool {
	w := rcu.StartWrite(m.v)
	defer w.Discard()

	entries := *w.Value()
	if _, ok := entries[key]; !ok {
		return false
	}
	delete(entries, key)
	w.Commit()
	return true
}

// Update applies fn to a private copy of the entries and publishes the result
// atomically. When fn fails the copy is dropped and readers never see it.
func (m *Map[K, V]) Update(ctx context.Context, fn func(entries map[K]V) error) error {
	return rcu.Update(ctx, m.v, func(e *Entries[K, V]) error {
		return fn(*e)
	})
}

// Replace publishes entries as the new contents without copying the current
// ones. The map takes ownership of entries.
func (m *Map[K, V]) Replace(entries map[K]V) {
	if entries == nil {
		entries = make(map[K]V)
	}
	m.v.Assign(entries)
}

// Stats returns the bookkeeping of the underlying variable
func (m *Map[K, V]) Stats() rcu.Stats {
	return m.v.Stats()
}

// Retired lists superseded versions still held by snapshots
func (m *Map[K, V]) Retired() []rcu.RetiredVersion {
	return m.v.Retired()
}
