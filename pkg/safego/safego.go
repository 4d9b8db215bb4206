// Package safego launches background goroutines with panic recovery, so a
// panicking worker job or watcher loop cannot take down the serving process.
package safego

import (
	"go.uber.org/zap"
)

// Go runs fn on a new goroutine. A panic is logged under the goroutine's
// name, with a stack trace, and swallowed; the rest of the process keeps
// serving.
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}
