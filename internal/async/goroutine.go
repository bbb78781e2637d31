// Package async launches background goroutines that cannot take the process
// down with them.
package async

import (
	"runtime/debug"
	"strings"
)

// PanicLogger receives panic reports.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn on a new goroutine. A panic in fn is logged under name and
// swallowed.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover must be deferred directly. It logs a recovered panic together
// with the stack of the panicking goroutine.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	if name == "" {
		name = "background"
	}
	logger.Error("panic in %s: %v\n%s", name, r, strings.TrimSpace(string(debug.Stack())))
}
