package resilience

import (
	"context"
	"time"
)

// WithTimeout runs fn under a scoped deadline. When the deadline expires the
// inner context is cancelled, releasing any external handles held by fn, and a
// typed timeout failure is returned. fn's own error is returned unchanged when
// it completes first.
//
// fn must honor ctx cancellation; the wrapper does not abandon the goroutine,
// it waits for fn to observe the cancel so no patch or handle leaks past the
// boundary.
func WithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err := fn(tctx)
	if err == nil {
		return nil
	}
	if tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return WrapFailure(KindTimeout, "operation exceeded "+d.String(), err)
	}
	return err
}

// WithTimeoutValue is WithTimeout for operations returning a value.
func WithTimeoutValue[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := WithTimeout(ctx, d, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
