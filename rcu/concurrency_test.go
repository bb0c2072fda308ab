package rcu

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	uerrors "github.com/xiaonanln/rcuvar/util/errors"
)

// TestRead_DoesNotBlockOnWriter tests that readers proceed while a write handle is open
func TestRead_DoesNotBlockOnWriter(t *testing.T) {
	v := New(pair{1, 2})
	w := StartWrite(v)
	defer w.Discard()
	w.Value().first = 100

	done := make(chan pair, 1)
	go func() {
		done <- readValue(v)
	}()

	select {
	case got := <-done:
		if got != (pair{1, 2}) {
			t.Fatalf("reader observed uncommitted value %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read blocked on an open write handle")
	}
}

// TestStartWrite_Serializes tests that a second writer waits for the first to finish
func TestStartWrite_Serializes(t *testing.T) {
	v := New(pair{0, 0})
	w1 := StartWrite(v)

	acquired := make(chan struct{})
	go func() {
		w2 := StartWrite(v)
		// The second writer clones the value committed by the first
		if w2.Value().first != 1 {
			t.Errorf("second writer cloned %+v, want first=1", *w2.Value())
		}
		w2.Value().first++
		close(acquired)
		w2.Commit()
	}()

	select {
	case <-acquired:
		t.Fatal("second writer acquired the lock while the first was open")
	case <-time.After(50 * time.Millisecond):
	}

	w1.Value().first = 1
	w1.Commit()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second writer never acquired the lock")
	}

	testWaitVersion(t, v, 3)
	if got := readValue(v); got.first != 2 {
		t.Fatalf("Read() = %+v, want first=2", got)
	}
}

// TestStartWrite_FIFO tests that queued writers are served in arrival order
func TestStartWrite_FIFO(t *testing.T) {
	v := New(pair{})
	w := StartWrite(v)

	const writers = 5
	var order []int
	var orderMu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w := StartWrite(v)
			orderMu.Lock()
			order = append(order, id)
			orderMu.Unlock()
			w.Commit()
		}(i)
		// Let each writer block before starting the next one
		time.Sleep(20 * time.Millisecond)
	}

	w.Commit()
	wg.Wait()

	for i, id := range order {
		if id != i {
			t.Fatalf("writers served in order %v, want arrival order", order)
		}
	}
}

func TestStartWriteContext_Timeout(t *testing.T) {
	v := New(pair{1, 2}, WithName("timeout_test"))
	w := StartWrite(v)
	defer w.Discard()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	w2, err := StartWriteContext(ctx, v)
	if err == nil {
		w2.Discard()
		t.Fatal("StartWriteContext succeeded while the lock was held")
	}
	if !uerrors.IsTimeout(err) {
		t.Fatalf("StartWriteContext error = %v, want timeout", err)
	}
	var te *uerrors.TimeoutError
	if te, _ = err.(*uerrors.TimeoutError); te == nil || te.Operation != "StartWrite" || te.Target != "timeout_test" {
		t.Fatalf("unexpected timeout error: %#v", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("StartWriteContext returned after %v, before the deadline", elapsed)
	}
}

func TestAssignContext_Canceled(t *testing.T) {
	v := New(pair{1, 2})
	w := StartWrite(v)
	defer w.Discard()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := v.AssignContext(ctx, pair{9, 9})
	if err != context.Canceled {
		t.Fatalf("AssignContext error = %v, want context.Canceled", err)
	}
	if got := readValue(v); got != (pair{1, 2}) {
		t.Fatalf("canceled Assign changed the value: %+v", got)
	}
}

func TestStartWriteContext_ExpiredContextWithFreeLock(t *testing.T) {
	v := New(pair{1, 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := StartWriteContext(ctx, v); err != context.Canceled {
		t.Fatalf("StartWriteContext error = %v, want context.Canceled", err)
	}
	if v.Stats().Writing {
		t.Fatal("lock taken by a canceled StartWriteContext")
	}
}

// TestClose_WakesWaitingWriter tests that a writer queued behind Close panics instead of hanging
func TestClose_WakesWaitingWriter(t *testing.T) {
	v := New(pair{1, 2})
	w := StartWrite(v)

	closed := make(chan struct{})
	go func() {
		v.Close()
		close(closed)
	}()

	// Close waits for the open writer
	select {
	case <-closed:
		t.Fatal("Close returned while a write handle was open")
	case <-time.After(30 * time.Millisecond):
	}

	w.Commit()
	<-closed

	expectPanic(t, ErrClosed, func() { StartWrite(v) })
}

// TestCommit_VisibleToLaterReads tests that a Read starting after Commit returns sees that commit
func TestCommit_VisibleToLaterReads(t *testing.T) {
	v := New(pair{})
	var published atomic.Uint64

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				floor := published.Load()
				s := v.Read()
				if s.Version() < floor {
					t.Errorf("Read observed version %d after version %d was committed", s.Version(), floor)
				}
				if uint64(s.Get().first)+1 != s.Version() {
					t.Errorf("version %d carries value %d", s.Version(), s.Get().first)
				}
				s.Release()
			}
		}()
	}

	for i := 1; i <= 500; i++ {
		w := StartWrite(v)
		w.Value().first = i
		w.Commit()
		published.Store(uint64(i + 1))
	}
	close(stop)
	wg.Wait()
}

// TestConcurrentReadersAndWriters stress tests snapshot consistency and lifetime accounting
func TestConcurrentReadersAndWriters(t *testing.T) {
	liveCounted.Store(0)
	v := New(newCounted())

	const writers = 8
	const writesPerWriter = 200
	const readers = 16

	stop := make(chan struct{})
	var readerWg sync.WaitGroup
	for i := 0; i < readers; i++ {
		readerWg.Add(1)
		go func() {
			defer readerWg.Done()
			var last uint64
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := v.Read()
				if s.Version() < last {
					t.Errorf("versions went backwards: %d after %d", s.Version(), last)
				}
				last = s.Version()
				before := s.Get().value
				time.Sleep(time.Microsecond)
				if after := s.Get().value; after != before {
					t.Errorf("snapshot value changed from %d to %d", before, after)
				}
				s.Release()
			}
		}()
	}

	var writerWg sync.WaitGroup
	for i := 0; i < writers; i++ {
		writerWg.Add(1)
		go func(id int) {
			defer writerWg.Done()
			for j := 0; j < writesPerWriter; j++ {
				if j%10 == 0 {
					// Dropped writes never become visible
					w := StartWrite(v)
					w.Value().value = -1
					w.Discard()
					continue
				}
				err := Update(context.Background(), v, func(c *counted) error {
					c.value++
					return nil
				})
				if err != nil {
					t.Errorf("Update() error = %v", err)
				}
			}
		}(i)
	}

	writerWg.Wait()
	close(stop)
	readerWg.Wait()

	const commits = writers * (writesPerWriter - writesPerWriter/10)
	s := v.Read()
	if s.Get().value != 1+commits {
		t.Fatalf("final value = %d, want %d", s.Get().value, 1+commits)
	}
	if s.Version() != 1+commits {
		t.Fatalf("final version = %d, want %d", s.Version(), 1+commits)
	}
	s.Release()

	expectLive(t, 1)
	if st := v.Stats(); st.LiveVersions != 1 || st.RetiredVersions != 0 || st.Writing {
		t.Fatalf("Stats() after stress = %+v", st)
	}

	v.Close()
	expectLive(t, 0)
}

func testWaitVersion[T any](t *testing.T, v *Variable[T], want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for v.Version() < want {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for version %d, at %d", want, v.Version())
		}
		time.Sleep(time.Millisecond)
	}
}
