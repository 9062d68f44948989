package store

import (
	"context"
	"errors"
	"time"

	xe "github.com/opst/gridqueue/pkg/errors"
	"github.com/opst/gridqueue/pkg/metrics"
	"github.com/opst/gridqueue/pkg/mirror"
	"github.com/opst/gridqueue/pkg/utils/retry"
	"github.com/sirupsen/logrus"
)

// Mirror receives committed statements of mirrored tables.
//
// Add must not block.
type Mirror interface {
	Add(table string, entries []mirror.Entry)
}

// Database runs logical operations on a Store.
type Database struct {
	store    Store
	site     uint64
	mirror   Mirror
	attempts int
	initial  time.Duration
	log      logrus.FieldLogger
}

type Option func(*Database) *Database

// WithSite sets the site tag embedded in global ids.
func WithSite(site uint64) Option {
	return func(d *Database) *Database {
		d.site = site
		return d
	}
}

// WithMirror sets where committed writes of mirrored tables go.
func WithMirror(m Mirror) Option {
	return func(d *Database) *Database {
		d.mirror = m
		return d
	}
}

// WithRetry sets the attempt budget and the initial backoff interval.
//
// Default: 10 attempts, 75ms.
func WithRetry(attempts int, initial time.Duration) Option {
	return func(d *Database) *Database {
		d.attempts = attempts
		d.initial = initial
		return d
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(d *Database) *Database {
		d.log = log
		return d
	}
}

func New(s Store, options ...Option) *Database {
	d := &Database{
		store:    s,
		attempts: 10,
		initial:  75 * time.Millisecond,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range options {
		d = opt(d)
	}
	return d
}

func (d *Database) Dialect() Dialect { return d.store.Dialect() }

func (d *Database) Site() uint64 { return d.site }

func (d *Database) Close() error { return d.store.Close() }

// Transient reports whether err is worth retrying the transaction for.
func (d *Database) Transient(err error) bool {
	return errors.Is(err, ErrConflict) || d.store.IsTransient(err)
}

// Tx runs fn in one transaction and commits it when fn returns nil.
//
// When fn or the commit fails with a transient error, the transaction is
// rolled back and fn runs again with a fresh Session, after a jittered
// exponential backoff. Other errors roll back and return immediately.
//
// Statements written with a mirrored table are handed to the Mirror only
// after a successful commit.
func (d *Database) Tx(ctx context.Context, fn func(context.Context, *Session) error) error {
	_, err := Run(ctx, d, func(ctx context.Context, s *Session) (struct{}, error) {
		return struct{}{}, fn(ctx, s)
	})
	return err
}

// Run is Database.Tx returning a value.
func Run[T any](ctx context.Context, d *Database, fn func(context.Context, *Session) (T, error)) (T, error) {
	started := time.Now()
	defer func() { metrics.TxDuration.Observe(time.Since(started).Seconds()) }()

	attempt := 0
	return retry.Blocking(
		ctx,
		retry.Jittered(d.initial, d.attempts),
		func(ctx context.Context) (T, error) {
			attempt += 1
			value, session, err := runTx(ctx, d, fn)
			if err == nil {
				metrics.TxAttempts.WithLabelValues("commit").Inc()
				session.publish()
				return value, nil
			}
			if d.Transient(err) {
				metrics.TxAttempts.WithLabelValues("retry").Inc()
				d.log.WithField("attempt", attempt).WithError(err).Debug("transaction is retried")
				return value, retry.Again(err)
			}
			metrics.TxAttempts.WithLabelValues("error").Inc()
			return value, err
		},
	)
}

func runTx[T any](ctx context.Context, d *Database, fn func(context.Context, *Session) (T, error)) (T, *Session, error) {
	tx, err := d.store.Begin(ctx)
	if err != nil {
		return *new(T), nil, xe.Wrap(err)
	}
	defer tx.Rollback(ctx)

	session := &Session{tx: tx, db: d}
	value, err := fn(ctx, session)
	if err != nil {
		return value, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return value, nil, xe.Wrap(err)
	}
	return value, session, nil
}
