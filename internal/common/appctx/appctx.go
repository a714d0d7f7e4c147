// Package appctx provides detached contexts for work that must outlive its
// caller.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context bounded by timeout that carries the parent's
// values but not its cancellation. Result publication uses it: by the time
// a final result is ready the task context may already be cancelled, and
// the publish must still go out.
func Detached(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
