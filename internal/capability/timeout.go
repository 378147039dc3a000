package capability

import (
	"context"
	"fmt"
	"time"
)

// AwaitFirst waits for the first value on ch. It fails with [ErrTimeout] when
// nothing arrives within timeout, and with ctx.Err() when ctx ends first.
// ok is false when ch was closed before producing a value.
//
// A non-positive timeout waits without a bound.
func AwaitFirst[T any](ctx context.Context, ch <-chan T, timeout time.Duration, what string) (v T, ok bool, err error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case v, ok = <-ch:
		return v, ok, nil
	case <-expired:
		return v, false, fmt.Errorf("%s: no first byte after %s: %w", what, timeout, ErrTimeout)
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

// OpenWithin calls open with a context that is cancelled when open has not
// returned within timeout, and then fails with [ErrTimeout]. When ctx ends
// first its error is returned instead. After a successful open the context
// handed to open stays live until ctx ends, so streams tied to it keep
// working.
//
// A non-positive timeout calls open with ctx directly.
func OpenWithin[T any](ctx context.Context, timeout time.Duration, what string, open func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return open(ctx)
	}
	expired := fmt.Errorf("%s: not open after %s: %w", what, timeout, ErrTimeout)
	octx, cancel := context.WithCancelCause(ctx)
	t := time.AfterFunc(timeout, func() { cancel(expired) })
	v, err := open(octx)
	if t.Stop() {
		if err != nil {
			cancel(nil)
		}
		return v, err
	}
	var zero T
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	return zero, expired
}

// Prepend returns a channel that yields first and then everything from rest,
// in order. It is used after [AwaitFirst] to hand a consumer the complete
// stream again. The returned channel closes when rest closes or ctx ends.
func Prepend[T any](ctx context.Context, first T, rest <-chan T) <-chan T {
	out := make(chan T, cap(rest)+1)
	out <- first
	go func() {
		defer close(out)
		for v := range rest {
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
