package store

import (
	"context"
	"fmt"

	xe "github.com/opst/gridqueue/pkg/errors"
	"github.com/opst/gridqueue/pkg/ids"
	"github.com/opst/gridqueue/pkg/mirror"
)

// Statement is a write.
type Statement struct {
	SQL  string
	Args []any

	// Mirror names the table to mirror this statement as. Empty means not mirrored.
	Mirror string

	// Index is the id of the row the statement is about, for the mirror.
	Index string
}

// Session is the view of one transaction attempt given to an operation.
type Session struct {
	tx       Tx
	db       *Database
	mirrored []mirrored
}

type mirrored struct {
	table string
	entry mirror.Entry
}

func (s *Session) Dialect() Dialect { return s.db.Dialect() }

// Read sends a query. The caller must close the Rows.
func (s *Session) Read(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := s.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, xe.WrapAsOuter(err, 1)
	}
	return rows, nil
}

// Exec sends a single write which is not mirrored.
func (s *Session) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	n, err := s.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, xe.WrapAsOuter(err, 1)
	}
	return n, nil
}

// Write sends statements in order and returns affected rows of each.
//
// It stops at the first error.
func (s *Session) Write(ctx context.Context, stmts ...Statement) ([]int64, error) {
	affected := make([]int64, 0, len(stmts))
	for _, st := range stmts {
		n, err := s.tx.Exec(ctx, st.SQL, st.Args...)
		if err != nil {
			return affected, xe.WrapAsOuter(err, 1)
		}
		affected = append(affected, n)
		if st.Mirror != "" {
			s.mirrored = append(s.mirrored, mirrored{
				table: st.Mirror,
				entry: mirror.Entry{Index: st.Index, SQL: st.SQL, Args: st.Args},
			})
		}
	}
	return affected, nil
}

// NewID issues an id of kind inside this transaction.
func (s *Session) NewID(ctx context.Context, kind ids.Kind) (string, error) {
	issued, err := s.NewIDs(ctx, kind, 1)
	if err != nil {
		return "", err
	}
	return issued[0], nil
}

// NewIDs issues n ids of kind inside this transaction, in increasing order.
//
// The counter is incremented atomically; a rolled back transaction gives the ids back.
func (s *Session) NewIDs(ctx context.Context, kind ids.Kind, n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}

	affected, err := s.tx.Exec(
		ctx, `update id_counter set value = value + ? where name = ?`, n, kind.Name,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	if affected == 0 {
		return nil, xe.Wrap(fmt.Errorf("%w: %s", ErrNoCounter, kind.Name))
	}

	rows, err := s.tx.Query(ctx, `select value from id_counter where name = ?`, kind.Name)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	defer rows.Close()

	var next int64
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, xe.Wrap(err)
		}
		return nil, xe.Wrap(fmt.Errorf("%w: %s", ErrNoCounter, kind.Name))
	}
	if err := rows.Scan(&next); err != nil {
		return nil, xe.Wrap(err)
	}

	issued := make([]string, 0, n)
	for v := next - int64(n); v < next; v++ {
		id, err := ids.Format(kind, s.db.site, uint64(v))
		if err != nil {
			return nil, xe.Wrap(err)
		}
		issued = append(issued, id)
	}
	return issued, nil
}

func (s *Session) publish() {
	if s == nil || s.db.mirror == nil || len(s.mirrored) == 0 {
		return
	}
	order := []string{}
	byTable := map[string][]mirror.Entry{}
	for _, m := range s.mirrored {
		if _, ok := byTable[m.table]; !ok {
			order = append(order, m.table)
		}
		byTable[m.table] = append(byTable[m.table], m.entry)
	}
	for _, table := range order {
		s.db.mirror.Add(table, byTable[table])
	}
}
