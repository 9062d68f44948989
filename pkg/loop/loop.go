package loop

import (
	"context"
	"fmt"
	"time"
)

// Next tells Start what to do after a task returns.
//
// Build it with Continue or Break. The zero value means Continue(0).
type Next struct {
	err      error
	quit     bool
	interval time.Duration
}

func (n Next) String() string {
	switch {
	case n.err != nil:
		return fmt.Sprintf("[break] with error: %v", n.err)
	case n.quit:
		return "[break] without error"
	default:
		return fmt.Sprintf("[continue] interval: %s", n.interval)
	}
}

// Continue runs the task again after interval.
func Continue(interval time.Duration) Next {
	return Next{interval: interval}
}

// Break stops the loop. err becomes the error of Start; nil is a clean stop.
func Break(err error) Next {
	return Next{quit: true, err: err}
}

// Task is one round of a loop.
//
// It receives the value returned by the previous round (or the initial value)
// and returns the value for the next round together with Continue or Break.
type Task[T any] func(context.Context, T) (T, Next)

// Start runs task repeatedly until it breaks or ctx is done.
//
// For example, the scheduling loop of gridqd looks like:
//
//	loop.Start(ctx, stats{}, func(ctx context.Context, s stats) (stats, loop.Next) {
//		n, err := buffer.BufferJobsTasks(ctx, nil, 100)
//		if err != nil {
//			return s, loop.Continue(backoff)
//		}
//		s.buffered += n
//		return s, loop.Continue(interval)
//	})
//
// # Returns
//
// - T: the last value returned by task, also when an error is returned.
//
// - error: the error passed to Break, or ctx.Err() when ctx is done.
func Start[T any](ctx context.Context, init T, task Task[T], options ...LoopOption) (T, error) {
	if err := ctx.Err(); err != nil {
		return init, err
	}

	value := init
	for {
		round := &loopConfig{ctx: ctx}
		for _, opt := range options {
			round = opt(round)
		}

		v, next := runRound(round, task, value)
		if next.err != nil {
			return v, next.err
		}
		if next.quit {
			return v, nil
		}
		value = v

		timer := time.NewTimer(next.interval)
		select {
		case <-ctx.Done():
			// cancellation wins over an expired timer.
			timer.Stop()
			return value, ctx.Err()
		case <-timer.C:
		}
	}
}

type loopConfig struct {
	ctx      context.Context
	deferred func()
}

func runRound[T any](lc *loopConfig, task Task[T], value T) (T, Next) {
	if lc.deferred != nil {
		defer lc.deferred()
	}
	return task(lc.ctx, value)
}

// LoopOption customizes each round of a loop.
type LoopOption func(*loopConfig) *loopConfig

// WithTimeout sets a deadline on the context passed to each round.
func WithTimeout(d time.Duration) LoopOption {
	return func(lc *loopConfig) *loopConfig {
		ctx, cancel := context.WithTimeout(lc.ctx, d)
		outer := lc.deferred
		return &loopConfig{
			ctx: ctx,
			deferred: func() {
				cancel()
				if outer != nil {
					outer()
				}
			},
		}
	}
}
