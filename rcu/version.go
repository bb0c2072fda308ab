package rcu

import (
	"sync/atomic"
)

// Cloner is implemented by payload types that can be edited in place through
// StartWrite. Clone must return a copy sharing no mutable state with the
// receiver.
type Cloner[T any] interface {
	Clone() T
}

// version is one immutable instance of the protected value.
//
// refs counts the snapshots observing it plus one for the Variable while it is
// published, or plus one for the WriteHandle while it is under edit. The
// version is destroyed by whoever drops refs to zero, and a zero count is
// never incremented again.
type version[T any] struct {
	value T
	seq   uint64
	refs  atomic.Int64
	owner *Variable[T]
}

// tryAcquire takes a reference unless the version is already being destroyed.
func (ver *version[T]) tryAcquire() bool {
	for {
		n := ver.refs.Load()
		if n <= 0 {
			return false
		}
		if ver.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops a reference and destroys the version when it was the last one.
func (ver *version[T]) release() {
	n := ver.refs.Add(-1)
	if n < 0 {
		panic("rcu: version reference count underflow")
	}
	if n == 0 {
		ver.owner.destroy(ver)
	}
}
