// internal/browser/cdp/context_utils.go
package cdp

import (
	"context"
	"time"
)

// combineContext derives from tab (which carries the chromedp target) and is
// canceled when either tab or op is done. Values are inherited from tab only.
func combineContext(tab, op context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(tab)
	if deadline, ok := op.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		combined, cancelDeadline = context.WithDeadline(combined, deadline)
		inner := cancel
		cancel = func() { cancelDeadline(); inner() }
	}

	go func() {
		select {
		case <-op.Done():
			cancel()
		case <-combined.Done():
		}
	}()

	return combined, cancel
}

// valueOnlyContext keeps the values of its parent but never expires.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                       { return nil }
func (valueOnlyContext) Err() error                                  { return nil }

// detach returns a context that carries the values of ctx but is not canceled with it.
// Browser processes outlive the request that launched them.
func detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
