package util

import (
	"context"
	"errors"
	"time"
)

// Policy describes how often and how patiently a task is retried.
// Attempts counts the first call, so Attempts=4 means one call plus three
// retries. Delay is a fixed pause between attempts.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// NewPolicy returns a policy for the given number of retries after the first attempt.
func NewPolicy(retries int, delay time.Duration) Policy {
	if retries < 0 {
		retries = 0
	}
	return Policy{Attempts: retries + 1, Delay: delay}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The retry helpers stop at the
// first permanent error and return it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func stopRetrying(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || IsPermanent(err)
}

func unwrapPermanent(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry calls fn up to maxTries times until it returns a nil error.
// If maxTries <= 0, it defaults to 1. Returns the last error if all attempts fail.
func Retry[T any](maxTries int, fn func() (T, error)) (T, error) {
	return RetryWithContext(context.Background(), Policy{Attempts: maxTries}, func(context.Context) (T, error) {
		return fn()
	})
}

// RetryWithContext calls fn according to policy until it returns a nil error,
// ctx is done or fn returns a permanent error.
// Returns ctx.Err() if the context is canceled, otherwise returns the last error.
func RetryWithContext[T any](ctx context.Context, policy Policy, fn func(context.Context) (T, error)) (T, error) {
	maxTries := policy.Attempts
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	var zero T
	for i := 0; i < maxTries; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, policy.Delay); err != nil {
				return zero, err
			}
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if stopRetrying(err) {
			return zero, unwrapPermanent(err)
		}
		lastErr = err
	}
	return zero, lastErr
}

// RetryErrWithContext is RetryWithContext for functions without a result.
func RetryErrWithContext(ctx context.Context, policy Policy, fn func(context.Context) error) error {
	_, err := RetryWithContext(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry2WithContext calls fn according to policy until it returns two results and nil error.
func Retry2WithContext[A, B any](ctx context.Context, policy Policy, fn func(context.Context) (A, B, error)) (A, B, error) {
	type pair struct {
		a A
		b B
	}
	p, err := RetryWithContext(ctx, policy, func(ctx context.Context) (pair, error) {
		a, b, err := fn(ctx)
		return pair{a, b}, err
	})
	return p.a, p.b, err
}
