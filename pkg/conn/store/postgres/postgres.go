// Package postgres is the postgres backend of store, on jackc/pgx v4.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/opst/gridqueue/pkg/conn/store"
)

// Begin is something beginning a transaction, extracted from *pgxpool.Pool.
type Begin interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type Store struct {
	pool      Begin
	close     func()
	isolation pgx.TxIsoLevel
}

var _ store.Store = &Store{}

type Option func(*Store) *Store

// Serializable runs every transaction with SERIALIZABLE isolation.
//
// Serialization failures are transient and retried by store.Database.
func Serializable() Option {
	return func(s *Store) *Store {
		s.isolation = pgx.Serializable
		return s
	}
}

// Open connects to postgres with a connection string (URL or key=value form).
func Open(ctx context.Context, connString string, options ...Option) (*Store, error) {
	pool, err := pgxpool.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	return Wrap(pool, pool.Close, options...), nil
}

// Wrap builds a Store on a pool. closer is called by Close; it may be nil.
func Wrap(pool Begin, closer func(), options ...Option) *Store {
	s := &Store{pool: pool, close: closer, isolation: pgx.ReadCommitted}
	for _, opt := range options {
		s = opt(s)
	}
	return s
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: s.isolation})
	if err != nil {
		return nil, err
	}
	return &pgTx{base: tx}, nil
}

var transientCodes = map[string]struct{}{
	pgerrcode.SerializationFailure: {},
	pgerrcode.DeadlockDetected:     {},
	pgerrcode.LockNotAvailable:     {},
}

func (s *Store) IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		_, ok := transientCodes[pgErr.Code]
		return ok
	}
	return false
}

func (s *Store) Dialect() store.Dialect { return store.Postgres }

func (s *Store) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

// Rebind rewrites "?" placeholders into "$1", "$2", ...
//
// Question marks in single-quoted literals are kept.
func Rebind(sql string) string {
	var b strings.Builder
	b.Grow(len(sql) + 8)
	n := 0
	quoted := false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'':
			quoted = !quoted
			b.WriteByte(c)
		case c == '?' && !quoted:
			n += 1
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// encodeArgs converts arguments pgx cannot bind as they are.
func encodeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case json.RawMessage:
			out[i] = &pgtype.JSONB{Bytes: v, Status: pgtype.Present}
		default:
			out[i] = a
		}
	}
	return out
}

type pgTx struct {
	base pgx.Tx
}

func (tx *pgTx) Query(ctx context.Context, sql string, args ...any) (store.Rows, error) {
	rows, err := tx.base.Query(ctx, Rebind(sql), encodeArgs(args)...)
	if err != nil {
		return nil, err
	}
	return pgRows{rows}, nil
}

func (tx *pgTx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := tx.base.Exec(ctx, Rebind(sql), encodeArgs(args)...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (tx *pgTx) Commit(ctx context.Context) error {
	return tx.base.Commit(ctx)
}

func (tx *pgTx) Rollback(ctx context.Context) error {
	if err := tx.base.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

type pgRows struct {
	pgx.Rows
}

func (r pgRows) Columns() ([]string, error) {
	fields := r.FieldDescriptions()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f.Name)
	}
	return names, nil
}
