package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// ErrRetry marks an error as worth another attempt.
//
// Use Again to wrap a cause; errors.Is reaches both ErrRetry and the cause.
var ErrRetry = errors.New("retry")

// ErrExhausted is returned by a Backoff when no more attempts are allowed.
var ErrExhausted = errors.New("retry: attempts exhausted")

type again struct{ cause error }

func (a again) Error() string { return "retry: " + a.cause.Error() }

func (a again) Unwrap() []error { return []error{ErrRetry, a.cause} }

// Again wraps err so that Blocking retries it. Again(nil) is nil.
func Again(err error) error {
	if err == nil {
		return nil
	}
	return again{cause: err}
}

// Backoff blocks until the next attempt may start.
//
// # Returns
//
// - error: nil when the caller may try again.
// ErrExhausted when the attempt budget is used up, or ctx.Err() when the context is done.
type Backoff func(context.Context) error

// FromBackOff adapts a cenkalti/backoff BackOff into Backoff.
//
// backoff.Stop from b is reported as ErrExhausted.
func FromBackOff(b backoff.BackOff) Backoff {
	return func(ctx context.Context) error {
		d := b.NextBackOff()
		if d == backoff.Stop {
			return ErrExhausted
		}
		return sleep(ctx, d)
	}
}

// Jittered returns a Backoff allowing `attempts` attempts in total.
//
// Before the n-th retry it waits for a random duration in
// [initial * 2^(n-1) * 2/3, initial * 2^(n-1) * 4/3].
// With initial = 75ms this is 0.1s * uniform(2^(n-1), 2^n) for n >= 0.
//
// Each call returns a fresh state. Do not share one Backoff between operations.
func Jittered(initial time.Duration, attempts int) Backoff {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 1.0 / 3.0,
		Multiplier:          2,
		MaxInterval:         initial << 20,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	eb.Reset()

	retries := 0
	if 1 < attempts {
		retries = attempts - 1
	}
	return FromBackOff(backoff.WithMaxRetries(eb, uint64(retries)))
}

// StaticBackoff waits for a fixed interval forever.
func StaticBackoff(interval time.Duration) Backoff {
	return FromBackOff(backoff.NewConstantBackOff(interval))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Blocking calls f until it returns nil or an error which is not ErrRetry.
//
// f is called once at first without waiting.
// When f returns ErrRetry (see Again), Blocking waits with b and calls f again.
//
// # Returns
//
// - T: the last value f returned.
//
// - error: nil on success. The error of f if it is not retryable.
// When b gives up, the last error of f. When ctx is done while waiting, ctx.Err().
func Blocking[T any](ctx context.Context, b Backoff, f func(context.Context) (T, error)) (T, error) {
	for {
		last, err := f(ctx)
		if err == nil {
			return last, nil
		}
		if !errors.Is(err, ErrRetry) {
			return last, err
		}
		if berr := b(ctx); berr != nil {
			if errors.Is(berr, ErrExhausted) {
				return last, err
			}
			return last, berr
		}
	}
}
