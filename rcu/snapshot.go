package rcu

import "sync/atomic"

// Snapshot is a reader's reference to one published version. The value it
// reports never changes, regardless of later commits on the Variable.
//
// Release must be called exactly once. A Snapshot may outlive the scope that
// obtained it and may be handed to other goroutines.
type Snapshot[T any] struct {
	ver      *version[T]
	released atomic.Bool
}

// Get returns the observed value. The value is shared with other readers and
// must be treated as read-only; mutate through a WriteHandle instead.
func (s *Snapshot[T]) Get() T {
	if s.released.Load() {
		contractViolation("Snapshot.Get", s.ver.owner.name, ErrSnapshotReleased)
	}
	return s.ver.value
}

// Version returns the sequence number of the observed version.
func (s *Snapshot[T]) Version() uint64 {
	return s.ver.seq
}

// Release drops the reference. Releasing the last reference to a superseded
// version destroys it on the calling goroutine.
func (s *Snapshot[T]) Release() {
	if !s.released.CompareAndSwap(false, true) {
		contractViolation("Snapshot.Release", s.ver.owner.name, ErrSnapshotReleased)
	}
	s.ver.release()
}
