package httpapi

import (
	"context"
)

// joinContexts returns a context that keeps a's values and is canceled when
// either a or b is done. The returned cancel func must be called when the
// handler ends.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
