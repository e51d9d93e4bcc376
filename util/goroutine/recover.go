// Package goroutine provides panic-recovery helpers for engine-owned goroutines.
package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"
)

// stackBufferSize bounds the stack trace captured on panic.
const stackBufferSize = 8192

// Recover recovers a panicking goroutine and logs the panic with a stack
// trace. It must be deferred. If logger is nil the panic is written to
// stderr so it is never lost.
func Recover(component string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		buf := make([]byte, stackBufferSize)
		n := runtime.Stack(buf, false)

		if logger != nil {
			logger.Errorw("goroutine panic recovered",
				"component", component,
				"panic", r,
				"stack", string(buf[:n]))
		} else {
			fmt.Fprintf(os.Stderr, "panic in %s (no logger): %v\n%s\n",
				component, r, string(buf[:n]))
		}
	}
}
