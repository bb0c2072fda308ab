package testutil

import (
	"context"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdTestRoot is the key prefix under which all test prefixes are created
const EtcdTestRoot = "/rcuvar-test/"

// PrepareEtcdPrefix returns a key prefix unique to the running test, deletes
// anything left under it by earlier runs and deletes it again when the test
// completes. The test is skipped when etcd is not reachable at etcdAddress.
func PrepareEtcdPrefix(t testing.TB, etcdAddress string) string {
	t.Helper()

	prefix := EtcdTestRoot + t.Name()

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{etcdAddress},
		DialTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Skipf("Skipping test: etcd not available: %v", err)
		return prefix
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_, err = cli.Delete(ctx, prefix+"/", clientv3.WithPrefix())
	cancel()
	if err != nil {
		cli.Close()
		t.Skipf("Skipping test: etcd not available: %v", err)
		return prefix
	}

	t.Cleanup(func() {
		defer cli.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := cli.Delete(ctx, prefix+"/", clientv3.WithPrefix()); err != nil {
			t.Logf("Warning: failed to clean etcd prefix %s: %v", prefix, err)
		}
	})

	return prefix
}
