// Package tables declares the relations of gridqueue and converts rows to
// records and back.
//
// Each relation is declared once, at package initialization, from the `sql`
// tags of its record type:
//
//	type Job struct {
//		ID     string `sql:"job_id"`
//		Status string `sql:"status"`
//		Stats  string `sql:"stats,json"`
//	}
//
// The ",json" option marks a column holding a JSON document. Such values are
// bound as JSON arguments, so that backends with a JSON column type accept them.
//
// Fields of kind bool are stored as integers 0 and 1.
package tables

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/opst/gridqueue/pkg/conn/store"
	xe "github.com/opst/gridqueue/pkg/errors"
)

type column struct {
	name  string
	field int
	json  bool
	bool  bool
}

// Table is a relation whose rows are T.
type Table[T any] struct {
	name    string
	key     string
	mirror  bool
	columns []column
}

// Declare builds the declaration of table name from the `sql` tags of T.
//
// key is the primary key column. When mirrored is true, writes built by the
// table are mirrored to the master.
//
// It panics when T is not a struct, or when key is not one of the columns.
func Declare[T any](name, key string, mirrored bool) *Table[T] {
	typ := reflect.TypeOf(*new(T))
	if typ.Kind() != reflect.Struct {
		panic(fmt.Sprintf("tables: %s is not a struct", typ))
	}

	t := &Table[T]{name: name, key: key, mirror: mirrored}
	hasKey := false
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag, ok := f.Tag.Lookup("sql")
		if !ok || tag == "-" {
			continue
		}
		colname, opts, _ := strings.Cut(tag, ",")
		t.columns = append(t.columns, column{
			name:  colname,
			field: i,
			json:  opts == "json",
			bool:  f.Type.Kind() == reflect.Bool,
		})
		if colname == key {
			hasKey = true
		}
	}
	if !hasKey {
		panic(fmt.Sprintf("tables: key %s is not a column of %s", key, name))
	}
	return t
}

func (t *Table[T]) Name() string { return t.name }

func (t *Table[T]) Key() string { return t.key }

// Mirror is the table name to mirror writes as, or "" when the table is not mirrored.
func (t *Table[T]) Mirror() string {
	if t.mirror {
		return t.name
	}
	return ""
}

// Columns lists the column names in declaration order.
func (t *Table[T]) Columns() []string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.name
	}
	return names
}

// ColumnList is the comma-separated column list, each prefixed with `alias.` when alias is given.
func (t *Table[T]) ColumnList(alias string) string {
	names := t.Columns()
	if alias != "" {
		for i := range names {
			names[i] = alias + "." + names[i]
		}
	}
	return strings.Join(names, ", ")
}

// Select is "select <columns> from <table>". Add a where clause to it.
func (t *Table[T]) Select() string {
	return "select " + t.ColumnList("") + " from " + t.name
}

// Values returns the arguments of a record in column order.
func (t *Table[T]) Values(rec T) []any {
	v := reflect.ValueOf(rec)
	args := make([]any, len(t.columns))
	for i, c := range t.columns {
		fv := v.Field(c.field)
		switch {
		case c.bool:
			if fv.Bool() {
				args[i] = 1
			} else {
				args[i] = 0
			}
		case c.json:
			args[i] = asJSON(fv)
		default:
			args[i] = fv.Interface()
		}
	}
	return args
}

func asJSON(fv reflect.Value) json.RawMessage {
	if fv.Kind() == reflect.String {
		s := strings.TrimSpace(fv.String())
		if s == "" {
			return json.RawMessage("{}")
		}
		return json.RawMessage(s)
	}
	b, err := json.Marshal(fv.Interface())
	if err != nil {
		return json.RawMessage("null")
	}
	return json.RawMessage(b)
}

// Insert builds one statement inserting all records.
//
// It is mirrored when the table is. The mirror index is the key of the first record.
func (t *Table[T]) Insert(records ...T) store.Statement {
	row := "(" + store.Placeholders(len(t.columns)) + ")"
	rows := make([]string, len(records))
	args := make([]any, 0, len(records)*len(t.columns))
	for i, r := range records {
		rows[i] = row
		args = append(args, t.Values(r)...)
	}

	index := ""
	if len(records) != 0 {
		index = t.KeyOf(records[0])
	}
	return store.Statement{
		SQL:    "insert into " + t.name + " (" + t.ColumnList("") + ") values " + strings.Join(rows, ", "),
		Args:   args,
		Mirror: t.Mirror(),
		Index:  index,
	}
}

// InsertEach is Insert split into statements of at most `size` records.
//
// Large batches stay under the bind parameter limit of sqlite.
func (t *Table[T]) InsertEach(size int, records ...T) []store.Statement {
	if size < 1 {
		size = 1
	}
	stmts := []store.Statement{}
	for begin := 0; begin < len(records); begin += size {
		end := min(begin+size, len(records))
		stmts = append(stmts, t.Insert(records[begin:end]...))
	}
	return stmts
}

// Statement builds a write on this table, mirrored when the table is.
func (t *Table[T]) Statement(index string, sql string, args ...any) store.Statement {
	return store.Statement{SQL: sql, Args: args, Mirror: t.Mirror(), Index: index}
}

// KeyOf returns the primary key of a record.
func (t *Table[T]) KeyOf(rec T) string {
	v := reflect.ValueOf(rec)
	for _, c := range t.columns {
		if c.name == t.key {
			return fmt.Sprint(v.Field(c.field).Interface())
		}
	}
	return ""
}

// Scan reads all rows. The rows must have the columns of the table in declaration order,
// as Select gives. It closes rows.
func (t *Table[T]) Scan(rows store.Rows) ([]T, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, xe.Wrap(err)
	}
	if len(cols) != len(t.columns) {
		return nil, xe.Wrap(fmt.Errorf(
			"tables: %s has %d columns but the result has %d (%v)",
			t.name, len(t.columns), len(cols), cols,
		))
	}

	out := []T{}
	for rows.Next() {
		rec := new(T)
		v := reflect.ValueOf(rec).Elem()

		dest := make([]any, len(t.columns))
		bools := map[int]*int64{}
		for i, c := range t.columns {
			if c.bool {
				b := new(int64)
				bools[i] = b
				dest[i] = b
				continue
			}
			dest[i] = v.Field(c.field).Addr().Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, xe.Wrap(err)
		}
		for i, b := range bools {
			v.Field(t.columns[i].field).SetBool(*b != 0)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xe.Wrap(err)
	}
	return out, nil
}

// Query runs Select with a trailing clause (where, order by, ...) and scans the result.
func (t *Table[T]) Query(ctx context.Context, s *store.Session, clause string, args ...any) ([]T, error) {
	q := t.Select()
	if clause != "" {
		q += " " + clause
	}
	rows, err := s.Read(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return t.Scan(rows)
}

// ScanValues reads a single-column result into []V. It closes rows.
func ScanValues[V any](rows store.Rows) ([]V, error) {
	defer rows.Close()
	out := []V{}
	for rows.Next() {
		v := new(V)
		if err := rows.Scan(v); err != nil {
			return nil, xe.Wrap(err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, xe.Wrap(err)
	}
	return out, nil
}

// QueryValues sends a single-column query and reads the result.
func QueryValues[V any](ctx context.Context, s *store.Session, sql string, args ...any) ([]V, error) {
	rows, err := s.Read(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return ScanValues[V](rows)
}
