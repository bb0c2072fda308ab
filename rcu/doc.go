// Package rcu provides Variable, a read-copy-update container for read-mostly
// shared state such as routing tables and live configuration.
//
// Readers call Read to obtain a Snapshot. Read never waits for a writer: it
// loads the published version and takes a reference on it. A Snapshot keeps
// reporting the value it observed until it is released, no matter how many
// versions are published afterwards.
//
// A single writer at a time calls StartWrite, edits a private clone through
// WriteHandle.Value and publishes it with Commit. A handle that is discarded
// instead leaves the published value untouched:
//
//	w := rcu.StartWrite(v)
//	defer w.Discard()
//	w.Value().Shards[12] = "node-3"
//	w.Commit()
//
// Every version is reference counted by the snapshots that observe it and by
// the variable while it is published. The payload is destroyed, by calling its
// Close method when it implements io.Closer, on the goroutine that drops the
// last reference. Superseded versions that readers still hold are tracked as
// retired until then.
//
// Misuse of a handle (Commit twice, Value after Commit, Release twice) panics
// with an error wrapping ErrHandleClosed, ErrSnapshotReleased or ErrClosed.
package rcu
