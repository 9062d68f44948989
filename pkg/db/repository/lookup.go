package repository

import (
	"context"

	"github.com/opst/gridqueue/pkg/conn/store"
	"github.com/opst/gridqueue/pkg/db"
	"github.com/opst/gridqueue/pkg/db/tables"
	xe "github.com/opst/gridqueue/pkg/errors"
	"github.com/opst/gridqueue/pkg/resources"
	"github.com/opst/gridqueue/pkg/utils/slices"
)

// GetLookups returns cached requirements of tasks. Tasks without cache are absent.
func GetLookups(ctx context.Context, s *store.Session, taskIDs []string) (map[string]resources.Resources, error) {
	found, err := queryBatched(ctx, s, tables.TaskLookup, "where task_id in %IN%", taskIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]resources.Resources, len(found))
	for _, l := range found {
		r, err := resources.ParseJSON([]byte(l.Requirements))
		if err != nil {
			return nil, xe.WrapWithNote("task_lookup of "+l.TaskID, err)
		}
		out[l.TaskID] = r
	}
	return out, nil
}

// InsertLookupStatements builds inserts of lookup rows. Existing rows are kept.
func InsertLookupStatements(lookups []db.TaskLookup) []store.Statement {
	return lookupStatements(lookups, " on conflict (task_id) do nothing")
}

// PutLookupStatements builds inserts of lookup rows replacing existing ones.
func PutLookupStatements(lookups []db.TaskLookup) []store.Statement {
	return lookupStatements(lookups, " on conflict (task_id) do update set requirements = excluded.requirements")
}

func lookupStatements(lookups []db.TaskLookup, onConflict string) []store.Statement {
	stmts := tables.TaskLookup.InsertEach(200, lookups...)
	for i := range stmts {
		stmts[i].SQL += onConflict
	}
	return stmts
}

func toLookups(reqs map[string]resources.Resources) ([]db.TaskLookup, error) {
	lookups := make([]db.TaskLookup, 0, len(reqs))
	for id, r := range reqs {
		b, err := r.MarshalJSON()
		if err != nil {
			return nil, xe.Wrap(err)
		}
		lookups = append(lookups, db.TaskLookup{TaskID: id, Requirements: string(b)})
	}
	return lookups, nil
}

// PutLookups caches requirements of tasks, replacing what is cached.
func PutLookups(ctx context.Context, s *store.Session, reqs map[string]resources.Resources) error {
	if len(reqs) == 0 {
		return nil
	}
	lookups, err := toLookups(reqs)
	if err != nil {
		return err
	}
	_, err = s.Write(ctx, PutLookupStatements(lookups)...)
	return err
}

// Requirements returns requirements of tasks.
//
// Cached requirements are used as they are. The others are read from the
// template of the task and cached unless a row has been cached meanwhile.
// A task without template requires nothing.
func Requirements(ctx context.Context, s *store.Session, tasks []db.Task) (map[string]resources.Resources, error) {
	taskIDs := make([]string, len(tasks))
	for i, t := range tasks {
		taskIDs[i] = t.ID
	}
	cached, err := GetLookups(ctx, s, taskIDs)
	if err != nil {
		return nil, err
	}

	templateIDs := []string{}
	for _, t := range tasks {
		if _, ok := cached[t.ID]; !ok && t.TemplateID != "" {
			templateIDs = append(templateIDs, t.TemplateID)
		}
	}
	templates, err := GetTemplatesByID(ctx, s, slices.Uniq(templateIDs))
	if err != nil {
		return nil, err
	}

	rebuilt := map[string]resources.Resources{}
	for _, t := range tasks {
		if _, ok := cached[t.ID]; ok {
			continue
		}
		req := resources.Resources{}
		if tmpl, ok := templates[t.TemplateID]; ok {
			if req, err = resources.ParseJSON([]byte(tmpl.Requirements)); err != nil {
				return nil, xe.WrapWithNote("requirements of "+tmpl.ID, err)
			}
		}
		rebuilt[t.ID] = req
		cached[t.ID] = req
	}
	if len(rebuilt) != 0 {
		lookups, err := toLookups(rebuilt)
		if err != nil {
			return nil, err
		}
		if _, err := s.Write(ctx, InsertLookupStatements(lookups)...); err != nil {
			return nil, err
		}
	}
	return cached, nil
}

// DeleteLookups drops cached requirements of tasks.
func DeleteLookups(ctx context.Context, s *store.Session, taskIDs []string) error {
	return eachBatch(taskIDs, func(batch []string, in string) error {
		_, err := s.Exec(ctx, "delete from task_lookup where task_id in "+in, slices.ToAny(batch)...)
		return err
	})
}
