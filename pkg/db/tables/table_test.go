package tables_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/opst/gridqueue/internal/testenv"
	"github.com/opst/gridqueue/pkg/conn/store"
	"github.com/opst/gridqueue/pkg/db"
	"github.com/opst/gridqueue/pkg/db/tables"
	"github.com/opst/gridqueue/pkg/utils/try"
)

type row struct {
	ID      string `sql:"row_id"`
	Enabled bool   `sql:"enabled"`
	Doc     string `sql:"doc,json"`
	Note    string
	Skipped string `sql:"-"`
}

func TestDeclare(t *testing.T) {
	t.Run("columns follow tagged fields", func(t *testing.T) {
		tbl := tables.Declare[row]("rows", "row_id", false)
		got := strings.Join(tbl.Columns(), ",")
		if got != "row_id,enabled,doc" {
			t.Errorf("Columns = %s", got)
		}
		if tbl.Select() != "select row_id, enabled, doc from rows" {
			t.Errorf("Select = %s", tbl.Select())
		}
		if tbl.ColumnList("r") != "r.row_id, r.enabled, r.doc" {
			t.Errorf("ColumnList = %s", tbl.ColumnList("r"))
		}
		if tbl.Mirror() != "" {
			t.Errorf("Mirror = %s", tbl.Mirror())
		}
	})

	t.Run("an unknown key panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("no panic")
			}
		}()
		tables.Declare[row]("rows", "nothing", false)
	})
}

func TestTable_Insert(t *testing.T) {
	tbl := tables.Declare[row]("rows", "row_id", true)

	t.Run("one statement carries all records", func(t *testing.T) {
		st := tbl.Insert(row{ID: "a", Enabled: true}, row{ID: "b", Doc: `{"x":1}`})
		if st.SQL != "insert into rows (row_id, enabled, doc) values (?,?,?), (?,?,?)" {
			t.Errorf("SQL = %s", st.SQL)
		}
		if len(st.Args) != 6 {
			t.Fatalf("Args = %v", st.Args)
		}
		if st.Args[1] != 1 || st.Args[4] != 0 {
			t.Errorf("booleans are not integers: %v", st.Args)
		}
		if string(st.Args[2].(json.RawMessage)) != "{}" || string(st.Args[5].(json.RawMessage)) != `{"x":1}` {
			t.Errorf("json args: %v", st.Args)
		}
		if st.Mirror != "rows" || st.Index != "a" {
			t.Errorf("(Mirror, Index) = (%s, %s)", st.Mirror, st.Index)
		}
	})

	t.Run("InsertEach splits by size", func(t *testing.T) {
		stmts := tbl.InsertEach(2, row{ID: "a"}, row{ID: "b"}, row{ID: "c"})
		if len(stmts) != 2 || len(stmts[0].Args) != 6 || len(stmts[1].Args) != 3 {
			t.Errorf("got %+v", stmts)
		}
		if stmts[1].Index != "c" {
			t.Errorf("Index = %s", stmts[1].Index)
		}
	})
}

func TestRelations(t *testing.T) {
	d := testenv.Open(t)
	ctx := testenv.Context(t)

	ds := db.Dataset{
		ID:             "ds1",
		Name:           "first",
		Status:         db.DatasetProcessing,
		Gridspec:       db.MappedGridspec(map[string]string{"A": "grid1"}),
		JobsSubmitted:  2,
		TasksSubmitted: 4,
		Priority:       0.5,
		Debug:          true,
		Config:         `{"k":"v"}`,
	}
	task := db.Task{
		ID:      "t1",
		Status:  db.Waiting,
		Depends: db.NewIDSet("t0"),
	}

	err := d.Tx(ctx, func(ctx context.Context, s *store.Session) error {
		_, err := s.Write(ctx, tables.Dataset.Insert(ds), tables.Task.Insert(task))
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	got := try.To(store.Run(ctx, d, func(ctx context.Context, s *store.Session) ([]db.Dataset, error) {
		return tables.Dataset.Query(ctx, s, "where dataset_id = ?", "ds1")
	})).OrFatal(t)
	if len(got) != 1 {
		t.Fatalf("got %+v", got)
	}
	if !got[0].Debug || !got[0].Gridspec.Equal(ds.Gridspec) || got[0].Config != ds.Config || got[0].Priority != 0.5 {
		t.Errorf("got %+v", got[0])
	}

	tasks := try.To(store.Run(ctx, d, func(ctx context.Context, s *store.Session) ([]db.Task, error) {
		return tables.Task.Query(ctx, s, "")
	})).OrFatal(t)
	if len(tasks) != 1 || !tasks[0].Depends.Equal(db.IDSet{"t0"}) || tasks[0].Stats != "{}" {
		t.Errorf("got %+v", tasks)
	}

	names := try.To(store.Run(ctx, d, func(ctx context.Context, s *store.Session) ([]string, error) {
		return tables.QueryValues[string](ctx, s, "select name from id_counter order by name")
	})).OrFatal(t)
	if strings.Join(names, ",") != "dataset,job,pilot,task,task_template" {
		t.Errorf("counters: %v", names)
	}
}

func TestSchema(t *testing.T) {
	for _, dialect := range []store.Dialect{store.SQLite, store.Postgres} {
		stmts := try.To(tables.Schema(dialect)).OrFatal(t)
		if len(stmts) < 7 {
			t.Errorf("%s: too few statements: %d", dialect, len(stmts))
		}
	}
	if _, err := tables.Schema("oracle"); err == nil {
		t.Error("unknown dialect has a schema")
	}
}
