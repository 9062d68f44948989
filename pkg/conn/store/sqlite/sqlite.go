// Package sqlite is the sqlite backend of store, on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/opst/gridqueue/pkg/conn/store"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// DSN builds a data source name for a database file.
//
// Transactions take the write lock at BEGIN (immediate), writers wait up to
// 5 seconds for the lock, and the journal is in WAL mode.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(wal)")
	q.Add("_pragma", "synchronous(normal)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

type Store struct {
	db *sql.DB
}

var _ store.Store = &Store{}

// Open opens a database. dsn may be a DSN or a plain file path.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = DSN(dsn)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{base: tx}, nil
}

// IsTransient is true for SQLITE_BUSY and SQLITE_LOCKED, including their extended codes.
func (s *Store) IsTransient(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func (s *Store) Dialect() store.Dialect { return store.SQLite }

func (s *Store) Close() error { return s.db.Close() }

type sqliteTx struct {
	base *sql.Tx
}

func (tx *sqliteTx) Query(ctx context.Context, query string, args ...any) (store.Rows, error) {
	rows, err := tx.base.QueryContext(ctx, query, encodeArgs(args)...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (tx *sqliteTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := tx.base.ExecContext(ctx, query, encodeArgs(args)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (tx *sqliteTx) Commit(context.Context) error {
	return tx.base.Commit()
}

func (tx *sqliteTx) Rollback(context.Context) error {
	if err := tx.base.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// encodeArgs stores JSON documents as TEXT rather than BLOB.
func encodeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if raw, ok := a.(json.RawMessage); ok {
			out[i] = string(raw)
			continue
		}
		out[i] = a
	}
	return out
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { r.Rows.Close() }
