// Package goroutine provides helpers for launching goroutines with panic recovery.
package goroutine

import (
	"fmt"
	"runtime/debug"

	"github.com/Klingon-tech/escrowd/pkg/logging"
)

// SafeGo launches fn in a goroutine. A panic is recovered and logged with
// its stack trace instead of crashing the daemon.
func SafeGo(log *logging.Logger, name string, fn func()) {
	go func() {
		defer Recover(log, name)
		fn()
	}()
}

// Recover logs a recovered panic. It must be called directly by defer.
func Recover(log *logging.Logger, name string) {
	if r := recover(); r != nil {
		log.Error("Goroutine panicked",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()),
		)
	}
}
