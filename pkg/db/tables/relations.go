package tables

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/opst/gridqueue/pkg/conn/store"
	"github.com/opst/gridqueue/pkg/db"
	xe "github.com/opst/gridqueue/pkg/errors"
)

var (
	Dataset      = Declare[db.Dataset]("dataset", "dataset_id", true)
	TaskTemplate = Declare[db.TaskTemplate]("task_template", "task_template_id", false)
	Job          = Declare[db.Job]("job", "job_id", true)
	Task         = Declare[db.Task]("task", "task_id", true)
	Search       = Declare[db.Search]("search", "task_id", true)
	Pilot        = Declare[db.Pilot]("pilot", "pilot_id", false)
	TaskLookup   = Declare[db.TaskLookup]("task_lookup", "task_id", false)
)

// BatchSize bounds the number of ids in one IN list.
const BatchSize = 900

//go:embed schema/*.sql
var schemas embed.FS

// Schema returns the DDL statements for dialect.
func Schema(dialect store.Dialect) ([]string, error) {
	b, err := schemas.ReadFile("schema/" + string(dialect) + ".sql")
	if err != nil {
		return nil, fmt.Errorf("no schema for dialect %s: %w", dialect, err)
	}
	stmts := []string{}
	for _, s := range strings.Split(string(b), ";") {
		if s = strings.TrimSpace(s); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts, nil
}

// Apply creates the tables and counters when they do not exist.
func Apply(ctx context.Context, d *store.Database) error {
	stmts, err := Schema(d.Dialect())
	if err != nil {
		return err
	}
	return d.Tx(ctx, func(ctx context.Context, s *store.Session) error {
		for _, st := range stmts {
			if _, err := s.Exec(ctx, st); err != nil {
				return xe.WrapWithNote(firstLine(st), err)
			}
		}
		return nil
	})
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
