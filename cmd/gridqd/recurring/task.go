package recurring

import (
	"context"
	"time"

	"github.com/opst/gridqueue/pkg/loop"
	"github.com/sirupsen/logrus"
)

// Task is a round of a loop.
//
// It returns a value for the next round, whether it did something (more
// backlog can be there), and an error.
type Task[T any] func(context.Context, T) (T, bool, error)

// Applied is a loop.Task which runs rt then asks p for the next round.
func (rt Task[T]) Applied(p Policy) loop.Task[T] {
	return func(ctx context.Context, t T) (T, loop.Next) {
		updated, ok, err := rt(ctx, t)
		return updated, p.Next(ok, err)
	}
}

// Monitored logs the beginning and the end of each round of task.
func Monitored[T any](log logrus.FieldLogger, task loop.Task[T]) loop.Task[T] {
	var round uint64
	return func(ctx context.Context, t T) (ret T, next loop.Next) {
		round += 1
		begin := time.Now()
		l := log.WithField("round", round)
		l.Debug("round start")
		defer func() {
			l.WithFields(logrus.Fields{
				"took": time.Since(begin).String(), "next": next.String(),
			}).Debug("round end")
		}()
		ret, next = task(ctx, t)
		return
	}
}
