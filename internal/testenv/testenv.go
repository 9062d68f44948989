// Package testenv prepares databases for tests.
package testenv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	testutilctx "github.com/opst/gridqueue/internal/testutils/context"
	"github.com/opst/gridqueue/pkg/conn/store"
	"github.com/opst/gridqueue/pkg/conn/store/sqlite"
	"github.com/opst/gridqueue/pkg/db/tables"
	"github.com/sirupsen/logrus/hooks/test"
)

// Context is a context ending 1 second before the deadline of t,
// so that clean-up can still run.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := testutilctx.WithTest(context.Background(), t)
	t.Cleanup(cancel)
	return ctx
}

type config struct {
	options []store.Option
}

type Option func(*config)

// WithSite sets the site tag of issued ids.
func WithSite(site uint64) Option {
	return func(c *config) { c.options = append(c.options, store.WithSite(site)) }
}

// WithMirror sets where committed mirrored writes go.
func WithMirror(m store.Mirror) Option {
	return func(c *config) { c.options = append(c.options, store.WithMirror(m)) }
}

// Open creates a sqlite database in a temporary directory of t, with the
// schema applied. It is closed when t ends.
//
// Transactions are retried with a 1ms initial backoff.
func Open(t *testing.T, options ...Option) *store.Database {
	t.Helper()
	ctx := Context(t)

	s, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "gridq.db"))
	if err != nil {
		t.Fatal(err)
	}

	log, _ := test.NewNullLogger()
	cfg := &config{
		options: []store.Option{store.WithRetry(10, time.Millisecond), store.WithLogger(log)},
	}
	for _, opt := range options {
		opt(cfg)
	}
	d := store.New(s, cfg.options...)
	t.Cleanup(func() { d.Close() })

	if err := tables.Apply(ctx, d); err != nil {
		t.Fatal(err)
	}
	return d
}

// Exec runs statements in one transaction, failing t on error.
func Exec(t *testing.T, d *store.Database, sql string, args ...any) {
	t.Helper()
	err := d.Tx(Context(t), func(ctx context.Context, s *store.Session) error {
		_, err := s.Exec(ctx, sql, args...)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}
