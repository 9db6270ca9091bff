// internal/browser/cdp/context_utils.go
package cdp

import (
	"context"
	"time"
)

// CombineContext returns a context that carries ctx1's values (the chromedp
// target) and is canceled when either ctx1 or ctx2 is done. Tool calls pass
// their deadline as ctx2 while the page context stays ctx1.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(ctx1)
	stop := context.AfterFunc(ctx2, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}

type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                   { return nil }
func (valueOnlyContext) Err() error                              { return nil }

// Detach returns a context with ctx's values but none of its cancellation.
// The browser allocator is created from it so that the request that
// happened to trigger a launch does not own the browser's lifetime.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
