// Package context derives contexts bound to the deadline of a test.
package context

import (
	"context"
	"testing"
	"time"
)

// WithTest wraps ctx with a deadline 1 second before the deadline of t,
// leaving time for clean-up.
//
// When t has no deadline, ctx is returned as is with a no-op cancel.
func WithTest(ctx context.Context, t *testing.T) (context.Context, context.CancelFunc) {
	if deadline, ok := t.Deadline(); ok {
		return context.WithDeadline(ctx, deadline.Add(-time.Second))
	}
	return context.WithCancel(ctx)
}
