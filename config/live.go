package config

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/xiaonanln/rcuvar/rcu"
	"github.com/xiaonanln/rcuvar/util/logger"
	"github.com/xiaonanln/rcuvar/util/metrics"
)

// VariableName is the name the live configuration is published under
const VariableName = "config"

// Live holds the running configuration in an RCU variable. Request paths read
// it without locking while Reload and Update replace it.
type Live struct {
	path   string
	v      *rcu.Variable[Config]
	logger *logger.Logger

	subMu    sync.Mutex
	subs     []chan uint64
	notified uint64
	closed   bool
}

// NewLive loads the configuration file at path and publishes it
func NewLive(path string) (*Live, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	l := NewLiveFromConfig(cfg)
	l.path = path
	return l, nil
}

// NewLiveFromConfig publishes cfg without a backing file. Reload fails on the
// returned Live.
func NewLiveFromConfig(cfg *Config) *Live {
	return &Live{
		v:      rcu.New(cfg.Clone(), rcu.WithName(VariableName)),
		logger: logger.NewLogger("config"),
	}
}

// Path returns the file the configuration is reloaded from
func (l *Live) Path() string {
	return l.path
}

// Current returns a snapshot of the published configuration. The caller must
// release it.
func (l *Live) Current() *rcu.Snapshot[Config] {
	return l.v.Read()
}

// Get returns a copy of the published configuration
func (l *Live) Get() Config {
	s := l.v.Read()
	defer s.Release()
	return s.Get().Clone()
}

// Version returns the version of the published configuration
func (l *Live) Version() uint64 {
	return l.v.Version()
}

// Stats returns the bookkeeping of the underlying variable
func (l *Live) Stats() rcu.Stats {
	return l.v.Stats()
}

// Retired lists superseded configurations still held by snapshots
func (l *Live) Retired() []rcu.RetiredVersion {
	return l.v.Retired()
}

// Reload re-reads the configuration file and publishes it when it differs from
// the current configuration. An invalid file leaves the current configuration
// in place. The comparison and the publication happen under the same write
// lock, so a concurrent Update is never overwritten unseen.
func (l *Live) Reload() (bool, error) {
	if l.path == "" {
		metrics.RecordConfigReload("failed")
		return false, fmt.Errorf("configuration has no backing file")
	}

	cfg, err := LoadConfig(l.path)
	if err != nil {
		metrics.RecordConfigReload("failed")
		l.logger.Errorf("Reloading %s failed: %v", l.path, err)
		return false, err
	}

	version, err := l.write(context.Background(), func(cur *Config) (bool, error) {
		if reflect.DeepEqual(*cur, *cfg) {
			return false, nil
		}
		*cur = *cfg
		return true, nil
	})
	if err != nil {
		metrics.RecordConfigReload("failed")
		return false, err
	}
	if version == 0 {
		metrics.RecordConfigReload("unchanged")
		return false, nil
	}

	metrics.RecordConfigReload("changed")
	l.logger.Infof("Reloaded %s as version %d", l.path, version)
	return true, nil
}

// Update edits a private copy of the configuration and publishes it when fn
// succeeds and the result validates.
func (l *Live) Update(ctx context.Context, fn func(cfg *Config) error) error {
	_, err := l.write(ctx, func(cur *Config) (bool, error) {
		if err := fn(cur); err != nil {
			return false, err
		}
		return true, cur.Validate()
	})
	return err
}

// write runs edit on a working copy and commits it when edit reports a change
// and no error. It returns the published version, 0 when nothing was published.
func (l *Live) write(ctx context.Context, edit func(cur *Config) (bool, error)) (uint64, error) {
	w, err := rcu.StartWriteContext(ctx, l.v)
	if err != nil {
		return 0, err
	}
	defer w.Discard()

	changed, err := edit(w.Value())
	if err != nil || !changed {
		return 0, err
	}
	w.Commit()
	l.notify(w.Version())
	return w.Version(), nil
}

// Subscribe returns a channel receiving the version of every configuration
// published after the call. Notifications coalesce: a slow subscriber sees the
// latest version, not every one. The channel is closed by Close.
func (l *Live) Subscribe() <-chan uint64 {
	ch := make(chan uint64, 1)
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if l.closed {
		close(ch)
		return ch
	}
	l.subs = append(l.subs, ch)
	return ch
}

func (l *Live) notify(version uint64) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	// Writers notify after releasing the write lock and may arrive out of order
	if version <= l.notified {
		return
	}
	l.notified = version
	for _, ch := range l.subs {
		select {
		case ch <- version:
			continue
		default:
		}
		// Replace the pending notification with the newer one
		select {
		case <-ch:
		default:
		}
		ch <- version
	}
}

// Close closes subscriber channels and unpublishes the configuration
func (l *Live) Close() {
	l.subMu.Lock()
	if !l.closed {
		l.closed = true
		for _, ch := range l.subs {
			close(ch)
		}
		l.subs = nil
	}
	l.subMu.Unlock()
	l.v.Close()
}
