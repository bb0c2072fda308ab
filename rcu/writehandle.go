package rcu

import (
	"context"

	"github.com/xiaonanln/rcuvar/util/metrics"
)

// HandleState is the lifecycle state of a WriteHandle.
type HandleState int

const (
	HandleOpen HandleState = iota
	HandleCommitted
	HandleDiscarded
)

// String returns the string representation of the state
func (s HandleState) String() string {
	switch s {
	case HandleOpen:
		return "open"
	case HandleCommitted:
		return "committed"
	case HandleDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// WriteHandle owns the write lock of a Variable and a private working copy of
// its value. Edits through Value are invisible to readers until Commit.
//
// A WriteHandle belongs to the goroutine that started it and is not safe for
// concurrent use.
type WriteHandle[T any] struct {
	v     *Variable[T]
	ver   *version[T]
	state HandleState
	seq   uint64
}

// StartWrite waits for the write lock of v and returns a handle owning a
// clone of the published value.
func StartWrite[T Cloner[T]](v *Variable[T]) *WriteHandle[T] {
	w, _ := StartWriteContext(context.Background(), v)
	return w
}

// StartWriteContext is StartWrite with a bounded wait for the write lock. It
// returns a TimeoutError when ctx expires first and ctx.Err() when ctx is
// canceled.
func StartWriteContext[T Cloner[T]](ctx context.Context, v *Variable[T]) (*WriteHandle[T], error) {
	if err := v.lock(ctx, "StartWrite"); err != nil {
		return nil, err
	}

	started := false
	defer func() {
		if !started {
			v.unlock()
		}
	}()

	// The published version cannot be retired while the write lock is held.
	cur := v.current.Load()
	ver := v.newVersion(cur.value.Clone())
	v.observe()

	started = true
	return &WriteHandle[T]{v: v, ver: ver, state: HandleOpen}, nil
}

// Update clones the value of v, applies fn to the copy and commits it. When
// fn returns an error the copy is discarded and the error returned.
func Update[T Cloner[T]](ctx context.Context, v *Variable[T], fn func(*T) error) error {
	w, err := StartWriteContext(ctx, v)
	if err != nil {
		return err
	}
	defer w.Discard()

	if err := fn(w.Value()); err != nil {
		return err
	}
	w.Commit()
	return nil
}

// State returns the lifecycle state of the handle.
func (w *WriteHandle[T]) State() HandleState {
	return w.state
}

// Version returns the sequence number published by Commit, 0 until then.
func (w *WriteHandle[T]) Version() uint64 {
	return w.seq
}

// Value returns a pointer to the working copy. It must not be retained past
// Commit or Discard.
func (w *WriteHandle[T]) Value() *T {
	w.mustBeOpen("WriteHandle.Value")
	return &w.ver.value
}

// Set replaces the working copy.
func (w *WriteHandle[T]) Set(value T) {
	w.mustBeOpen("WriteHandle.Set")
	w.ver.value = value
}

// Commit publishes the working copy and releases the write lock. Reads
// starting after Commit returns observe the new value or a later one.
func (w *WriteHandle[T]) Commit() {
	w.mustBeOpen("WriteHandle.Commit")

	v := w.v
	seq := v.publish(w.ver)
	w.seq = seq
	w.state = HandleCommitted
	w.ver = nil
	v.unlock()

	if v.exported {
		metrics.RecordCommit(v.name, seq)
	}
	v.logger.Debugf("Committed version %d", seq)
}

// Discard drops the working copy and releases the write lock, leaving the
// published value untouched. It is a no-op on a committed or discarded
// handle, so it can always be deferred.
func (w *WriteHandle[T]) Discard() {
	if w.state != HandleOpen {
		return
	}

	v := w.v
	ver := w.ver
	w.state = HandleDiscarded
	w.ver = nil
	ver.release()
	v.unlock()

	if v.exported {
		metrics.RecordDiscard(v.name)
	}
	v.logger.Debugf("Discarded write on version %d", v.Version())
}

func (w *WriteHandle[T]) mustBeOpen(op string) {
	if w.state != HandleOpen {
		contractViolation(op, w.v.name, ErrHandleClosed)
	}
}
