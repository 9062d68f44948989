// Package store is the storage access layer of gridqueue.
//
// A Store is a relational backend (postgres or sqlite) reduced to
// transactions, parameterized queries and affected-row counts.
// Database runs logical operations on a Store: one transaction per
// operation, retried as a whole on transient contention.
//
// SQL given to this package uses "?" placeholders. Backends rewrite them
// into their own dialect.
package store

import (
	"context"
	"strings"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Rows is a cursor over query results.
type Rows interface {
	// Columns returns the column names of the result.
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Queryer sends SQL.
type Queryer interface {
	// Query sends a statement returning rows.
	Query(ctx context.Context, sql string, args ...any) (Rows, error)

	// Exec sends a statement not returning rows, and reports affected rows.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
}

// Tx is a transaction in progress.
type Tx interface {
	Queryer

	Commit(ctx context.Context) error

	// Rollback aborts the transaction.
	// Calling Rollback after Commit is harmless.
	Rollback(ctx context.Context) error
}

// Store is a storage backend.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	// IsTransient reports whether err is caused by contention
	// (lock, busy, serialization failure) so that a retry can succeed.
	IsTransient(err error) bool

	Dialect() Dialect

	Close() error
}

// Placeholders returns n comma-separated "?", for IN lists.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
