// Package resilience provides bounded execution helpers for calls whose latency
// decides whether a process may keep running.
package resilience

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when an operation exceeds its timeout
var ErrTimeout = errors.New("operation timed out")

// WithTimeout runs fn and returns whichever comes first: fn's result or ErrTimeout.
// fn receives a context that is canceled when the timeout fires, but WithTimeout
// does not wait for fn to observe it.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	_, err := WithTimeoutValue(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// WithTimeoutValue is WithTimeout for functions that produce a value. On timeout or
// parent cancellation the zero value is returned.
func WithTimeoutValue[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)

	go func() {
		value, err := fn(timeoutCtx)
		done <- result{value: value, err: err}
	}()

	var zero T
	select {
	case res := <-done:
		return res.value, res.err
	case <-timeoutCtx.Done():
		if ctx.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return zero, ErrTimeout
		}
		return zero, timeoutCtx.Err()
	}
}

// Timed runs WithTimeoutValue and also reports how long the call was waited on,
// as read from now. A nil now uses time.Now.
func Timed[T any](ctx context.Context, timeout time.Duration, now func() time.Time, fn func(context.Context) (T, error)) (T, time.Duration, error) {
	if now == nil {
		now = time.Now
	}
	start := now()
	value, err := WithTimeoutValue(ctx, timeout, fn)
	return value, now().Sub(start), err
}
