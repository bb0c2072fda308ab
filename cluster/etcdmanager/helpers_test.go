package etcdmanager

import (
	"testing"

	"github.com/xiaonanln/rcuvar/util/testutil"
)

// setupEtcdTest creates a connected manager with a prefix unique to the test.
// The test is skipped when etcd is not available.
func setupEtcdTest(t *testing.T) *EtcdManager {
	t.Helper()
	prefix := testutil.PrepareEtcdPrefix(t, "localhost:2379")

	mgr, err := NewEtcdManager("localhost:2379", prefix)
	if err != nil {
		t.Fatalf("NewEtcdManager() failed: %v", err)
	}
	if err := mgr.Connect(); err != nil {
		t.Skipf("Skipping test: etcd not available: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr
}
