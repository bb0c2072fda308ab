package rcu

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	uerrors "github.com/xiaonanln/rcuvar/util/errors"
	"github.com/xiaonanln/rcuvar/util/logger"
	"github.com/xiaonanln/rcuvar/util/metrics"
)

// Variable holds the published version of a value of type T.
//
// Read may be called from any number of goroutines and never blocks. Writes
// (StartWrite, Assign, Update) are serialized by a write lock; waiting writers
// acquire it in arrival order.
//
// A Variable must not be copied after first use.
type Variable[T any] struct {
	current atomic.Pointer[version[T]]

	// writeLock holds a token while a writer owns the variable.
	writeLock chan struct{}
	// nextSeq is the sequence number of the next published version.
	// Guarded by writeLock.
	nextSeq uint64
	lastSeq atomic.Uint64

	name   string
	logger *logger.Logger
	// exported is set when this variable owns the metric series of its name.
	exported bool

	live      atomic.Int64
	writing   atomic.Bool
	closed    atomic.Bool
	retiredMu sync.Mutex
	retired   map[*version[T]]struct{}
}

// Stats is a point-in-time view of a Variable's bookkeeping.
type Stats struct {
	Name string
	// Version is the sequence number of the published version.
	Version uint64
	// LiveVersions counts payload instances not yet destroyed: the published
	// one, retired ones and a working copy under edit.
	LiveVersions int64
	// RetiredVersions counts superseded versions still held by snapshots.
	RetiredVersions int64
	// Writing reports whether a writer holds the write lock.
	Writing bool
}

// RetiredVersion describes a superseded version kept alive by readers.
type RetiredVersion struct {
	Version uint64
	Readers int64
}

// New creates a Variable publishing value as version 1. The value is stored
// as is; it is not cloned.
func New[T any](value T, opts ...Option) *Variable[T] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	v := &Variable[T]{
		writeLock: make(chan struct{}, 1),
		nextSeq:   1,
		name:      o.name,
		logger:    o.logger,
		retired:   make(map[*version[T]]struct{}),
	}
	if v.logger == nil {
		if v.name != "" {
			v.logger = logger.NewLogger(fmt.Sprintf("rcu(%s)", v.name))
		} else {
			v.logger = logger.NewLogger("rcu")
		}
	}

	ver := v.newVersion(value)
	ver.seq = v.nextSeq
	v.nextSeq++
	v.current.Store(ver)
	v.lastSeq.Store(ver.seq)

	if v.name != "" {
		v.exported = claimMetrics(v.name)
		if !v.exported {
			v.logger.Warnf("Another live variable is named %q; metrics stay with the first one", v.name)
		}
	}
	if v.exported {
		metrics.RecordAssign(v.name, ver.seq)
	}
	v.observe()
	return v
}

var (
	metricOwnersMu sync.Mutex
	metricOwners   = make(map[string]struct{})
)

// claimMetrics reserves the metric series of name. It fails while another
// open variable holds them.
func claimMetrics(name string) bool {
	metricOwnersMu.Lock()
	defer metricOwnersMu.Unlock()
	if _, taken := metricOwners[name]; taken {
		return false
	}
	metricOwners[name] = struct{}{}
	return true
}

func releaseMetrics(name string) {
	metricOwnersMu.Lock()
	delete(metricOwners, name)
	metricOwnersMu.Unlock()
}

// Name returns the name given with WithName.
func (v *Variable[T]) Name() string {
	return v.name
}

// Read returns a snapshot of the published version. It never waits for a
// writer. The snapshot must be released when no longer needed.
func (v *Variable[T]) Read() *Snapshot[T] {
	for {
		ver := v.current.Load()
		if ver == nil {
			contractViolation("Read", v.name, ErrClosed)
		}
		// A failed acquire means the version was superseded and destroyed
		// after the load; the slot already holds a newer one.
		if ver.tryAcquire() {
			return &Snapshot[T]{ver: ver}
		}
	}
}

// Version returns the sequence number of the published version. Sequence
// numbers start at 1 and grow by one with every Commit or Assign.
func (v *Variable[T]) Version() uint64 {
	if ver := v.current.Load(); ver != nil {
		return ver.seq
	}
	return v.lastSeq.Load()
}

// Assign publishes value as a new version without cloning the current one.
// It waits for the write lock like StartWrite.
func (v *Variable[T]) Assign(value T) {
	_ = v.AssignContext(context.Background(), value)
}

// AssignContext is Assign with a bounded wait for the write lock. It returns
// a TimeoutError when ctx expires first and ctx.Err() when ctx is canceled.
func (v *Variable[T]) AssignContext(ctx context.Context, value T) error {
	if err := v.lock(ctx, "Assign"); err != nil {
		return err
	}
	defer v.unlock()

	seq := v.publish(v.newVersion(value))
	if v.exported {
		metrics.RecordAssign(v.name, seq)
	}
	v.logger.Debugf("Assigned version %d", seq)
	return nil
}

// Stats returns the current bookkeeping counters.
func (v *Variable[T]) Stats() Stats {
	v.retiredMu.Lock()
	retired := int64(len(v.retired))
	v.retiredMu.Unlock()

	return Stats{
		Name:            v.name,
		Version:         v.Version(),
		LiveVersions:    v.live.Load(),
		RetiredVersions: retired,
		Writing:         v.writing.Load(),
	}
}

// Retired lists the superseded versions still referenced by snapshots, oldest
// first.
func (v *Variable[T]) Retired() []RetiredVersion {
	v.retiredMu.Lock()
	out := make([]RetiredVersion, 0, len(v.retired))
	for ver := range v.retired {
		out = append(out, RetiredVersion{Version: ver.seq, Readers: ver.refs.Load()})
	}
	v.retiredMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Close unpublishes the current version after waiting for any writer to
// finish. Snapshots taken earlier stay valid and destroy their versions as
// they are released. Read, StartWrite and Assign panic after Close.
// Closing twice is a no-op.
func (v *Variable[T]) Close() {
	v.writeLock <- struct{}{}
	defer func() { <-v.writeLock }()

	if v.closed.Load() {
		return
	}
	v.closed.Store(true)

	old := v.current.Swap(nil)
	v.retire(old)
	v.logger.Debugf("Closed at version %d", old.seq)
	if v.exported {
		metrics.ForgetVariable(v.name)
		releaseMetrics(v.name)
	}
}

func (v *Variable[T]) newVersion(value T) *version[T] {
	ver := &version[T]{value: value, owner: v}
	ver.refs.Store(1)
	v.live.Add(1)
	return ver
}

// lock acquires the write lock. A nil error means the caller owns it.
func (v *Variable[T]) lock(ctx context.Context, op string) error {
	if v.closed.Load() {
		contractViolation(op, v.name, ErrClosed)
	}
	if ctx.Err() != nil {
		return uerrors.FromContext(ctx, op, v.name)
	}

	start := time.Now()
	select {
	case v.writeLock <- struct{}{}:
	case <-ctx.Done():
		return uerrors.FromContext(ctx, op, v.name)
	}

	if v.closed.Load() {
		<-v.writeLock
		contractViolation(op, v.name, ErrClosed)
	}
	v.writing.Store(true)

	if v.exported {
		metrics.RecordWriteWait(v.name, time.Since(start).Seconds())
	}
	return nil
}

func (v *Variable[T]) unlock() {
	v.writing.Store(false)
	<-v.writeLock
}

// publish makes ver the current version and retires the previous one.
// The caller must hold the write lock and transfers its reference on ver to
// the variable.
func (v *Variable[T]) publish(ver *version[T]) uint64 {
	ver.seq = v.nextSeq
	v.nextSeq++

	old := v.current.Swap(ver)
	v.lastSeq.Store(ver.seq)
	v.retire(old)
	return ver.seq
}

// retire drops the variable's reference on a superseded version. The version
// is registered as retired before the reference is dropped so that a reader
// releasing it concurrently always finds the entry to remove.
func (v *Variable[T]) retire(old *version[T]) {
	v.retiredMu.Lock()
	v.retired[old] = struct{}{}
	v.retiredMu.Unlock()

	old.release()
	v.observe()
}

// destroy runs once per version, on the goroutine dropping the last reference.
func (v *Variable[T]) destroy(ver *version[T]) {
	v.retiredMu.Lock()
	delete(v.retired, ver)
	v.retiredMu.Unlock()

	if c, ok := any(ver.value).(io.Closer); ok {
		if err := c.Close(); err != nil {
			v.logger.Warnf("Closing version %d failed: %v", ver.seq, err)
		}
	}
	var zero T
	ver.value = zero

	v.live.Add(-1)
	v.observe()
}

func (v *Variable[T]) observe() {
	if !v.exported || v.closed.Load() {
		return
	}
	v.retiredMu.Lock()
	retired := int64(len(v.retired))
	v.retiredMu.Unlock()
	metrics.SetVersionCounts(v.name, v.live.Load(), retired)
}
