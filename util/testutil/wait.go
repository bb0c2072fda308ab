package testutil

import (
	"testing"
	"time"
)

// WaitFor polls condition every 50ms until it returns true, failing the test
// after timeout.
//
//	testutil.WaitFor(t, 5*time.Second, "mapping version 3", func() bool {
//	    return mapper.Version() == 3
//	})
func WaitFor(t testing.TB, timeout time.Duration, message string, condition func() bool) {
	t.Helper()

	if condition() {
		return
	}

	start := time.Now()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	attempts := 1
	for range ticker.C {
		attempts++
		if condition() {
			t.Logf("Condition met after %v (%d attempts): %s", time.Since(start).Round(time.Millisecond), attempts, message)
			return
		}
		if time.Since(start) > timeout {
			t.Fatalf("Timeout waiting for %s (waited %v, %d attempts)", message, timeout, attempts)
		}
	}
}
