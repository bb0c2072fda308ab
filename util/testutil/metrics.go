package testutil

import (
	"sync"
	"testing"
)

var metricsTestMutex sync.Mutex

// LockMetrics serializes tests that read or reset the global prometheus
// collectors in util/metrics. The lock is released when the test completes.
//
//	func TestShardGauges(t *testing.T) {
//	    testutil.LockMetrics(t)
//	    metrics.AssignedShardsTotal.Reset()
//	    ...
//	}
//
// Variable-scoped series are labelled by variable name, so tests using a name
// no other test uses do not need the lock.
func LockMetrics(t testing.TB) {
	t.Helper()
	metricsTestMutex.Lock()
	t.Cleanup(metricsTestMutex.Unlock)
}
