package goroutine

import (
	"runtime"
	"testing"
	"time"
)

// AssertNoLeaks registers a cleanup that fails the test if the goroutine
// count has not returned to its baseline shortly after the test ends. Call
// it before starting pools, janitors or watchers.
func AssertNoLeaks(t *testing.T) {
	t.Helper()
	AssertNoLeaksWithTimeout(t, 5*time.Second, 100*time.Millisecond)
}

// AssertNoLeaksWithTimeout is AssertNoLeaks with a custom wait budget.
func AssertNoLeaksWithTimeout(t *testing.T, timeout, pollInterval time.Duration) {
	t.Helper()
	before := runtime.NumGoroutine()

	t.Cleanup(func() {
		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			if runtime.NumGoroutine() <= before {
				return
			}
			time.Sleep(pollInterval)
		}

		current := runtime.NumGoroutine()
		if current > before {
			t.Errorf("goroutine leak: started with %d goroutines, ended with %d",
				before, current)

			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			t.Logf("active goroutines:\n%s", string(buf[:n]))
		}
	})
}
