package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/opst/gridqueue/pkg/utils/retry"
)

var errBusy = errors.New("busy")

func TestBlocking(t *testing.T) {
	noWait := func(attempts int) retry.Backoff {
		return retry.FromBackOff(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(attempts-1)))
	}

	t.Run("it returns the value at the first success", func(t *testing.T) {
		calls := 0
		got, err := retry.Blocking(context.Background(), noWait(10), func(context.Context) (int, error) {
			calls += 1
			if calls < 3 {
				return calls, retry.Again(errBusy)
			}
			return calls, nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if got != 3 || calls != 3 {
			t.Errorf("(got, calls) = (%d, %d), want (3, 3)", got, calls)
		}
	})

	t.Run("it gives up after the attempt budget with the last error", func(t *testing.T) {
		calls := 0
		_, err := retry.Blocking(context.Background(), noWait(10), func(context.Context) (int, error) {
			calls += 1
			return calls, retry.Again(errBusy)
		})
		if !errors.Is(err, errBusy) || !errors.Is(err, retry.ErrRetry) {
			t.Errorf("unexpected error: %v", err)
		}
		if calls != 10 {
			t.Errorf("calls = %d, want 10", calls)
		}
	})

	t.Run("it does not retry errors which are not ErrRetry", func(t *testing.T) {
		calls := 0
		fatal := errors.New("fatal")
		_, err := retry.Blocking(context.Background(), noWait(10), func(context.Context) (int, error) {
			calls += 1
			return 0, fatal
		})
		if !errors.Is(err, fatal) {
			t.Errorf("unexpected error: %v", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("it stops waiting when the context is done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := retry.Blocking(ctx, retry.StaticBackoff(time.Hour), func(context.Context) (int, error) {
			return 0, retry.Again(errBusy)
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestJittered(t *testing.T) {
	t.Run("it allows the given number of attempts in total", func(t *testing.T) {
		b := retry.Jittered(time.Microsecond, 4)
		waits := 0
		for {
			if err := b(context.Background()); err != nil {
				if !errors.Is(err, retry.ErrExhausted) {
					t.Fatalf("unexpected error: %v", err)
				}
				break
			}
			waits += 1
		}
		if waits != 3 {
			t.Errorf("waits = %d, want 3", waits)
		}
	})

	t.Run("the first wait is within 2/3..4/3 of the initial interval", func(t *testing.T) {
		initial := 30 * time.Millisecond
		b := retry.Jittered(initial, 2)

		before := time.Now()
		if err := b(context.Background()); err != nil {
			t.Fatal(err)
		}
		elapsed := time.Since(before)
		if elapsed < initial*2/3 {
			t.Errorf("waited too short: %s", elapsed)
		}
	})
}
