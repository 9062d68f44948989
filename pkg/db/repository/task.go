package repository

import (
	"context"
	"strings"
	"time"

	"github.com/opst/gridqueue/pkg/conn/store"
	"github.com/opst/gridqueue/pkg/db"
	"github.com/opst/gridqueue/pkg/db/tables"
	xe "github.com/opst/gridqueue/pkg/errors"
	"github.com/opst/gridqueue/pkg/utils/slices"
)

func GetTask(ctx context.Context, s *store.Session, taskID string) (db.Task, error) {
	found, err := tables.Task.Query(ctx, s, "where task_id = ?", taskID)
	if err != nil {
		return db.Task{}, err
	}
	if len(found) == 0 {
		return db.Task{}, xe.Wrap(Missing{Table: "task", Identity: taskID})
	}
	return found[0], nil
}

// GetTasks returns tasks by id. Unknown ids are absent from the result.
func GetTasks(ctx context.Context, s *store.Session, taskIDs []string) (map[string]db.Task, error) {
	found, err := queryBatched(ctx, s, tables.Task, "where task_id in %IN%", taskIDs)
	if err != nil {
		return nil, err
	}
	return slices.ToMap(found, func(t db.Task) string { return t.ID }), nil
}

func GetSearch(ctx context.Context, s *store.Session, taskID string) (db.Search, error) {
	found, err := tables.Search.Query(ctx, s, "where task_id = ?", taskID)
	if err != nil {
		return db.Search{}, err
	}
	if len(found) == 0 {
		return db.Search{}, xe.Wrap(Missing{Table: "search", Identity: taskID})
	}
	return found[0], nil
}

// SearchFilter selects search rows. Zero fields do not filter.
type SearchFilter struct {
	DatasetIDs []string
	JobID      string
	Gridspec   string
	Statuses   []db.TaskStatus
}

// FindSearch returns search rows matching the filter.
//
// When DatasetIDs is given but empty, nothing matches.
func FindSearch(ctx context.Context, s *store.Session, f SearchFilter) ([]db.Search, error) {
	conds := []string{}
	args := []any{}
	if f.JobID != "" {
		conds = append(conds, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.Gridspec != "" {
		conds = append(conds, "gridspec = ?")
		args = append(args, f.Gridspec)
	}
	if len(f.Statuses) != 0 {
		conds = append(conds, "task_status in ("+store.Placeholders(len(f.Statuses))+")")
		args = append(args, slices.ToAny(f.Statuses)...)
	}

	if f.DatasetIDs == nil {
		clause := ""
		if len(conds) != 0 {
			clause = "where " + strings.Join(conds, " and ")
		}
		return tables.Search.Query(ctx, s, clause, args...)
	}

	clause := "where dataset_id in %IN%"
	if len(conds) != 0 {
		clause += " and " + strings.Join(conds, " and ")
	}
	return queryBatched(ctx, s, tables.Search, clause, f.DatasetIDs, args...)
}

// GetStatuses returns the search status of tasks. Unknown ids are absent from the result.
func GetStatuses(ctx context.Context, s *store.Session, taskIDs []string) (map[string]db.TaskStatus, error) {
	found, err := queryBatched(ctx, s, tables.Search, "where task_id in %IN%", taskIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]db.TaskStatus, len(found))
	for _, sr := range found {
		out[sr.TaskID] = sr.TaskStatus
	}
	return out, nil
}

// FindTaskByJob returns the task id of a dataset's job at jobIndex with the given name.
//
// It returns Missing when the task is not buffered yet.
func FindTaskByJob(ctx context.Context, s *store.Session, datasetID string, jobIndex int, name string) (string, error) {
	found, err := tables.QueryValues[string](
		ctx, s,
		`select search.task_id from search
		join job on search.job_id = job.job_id
		where job.dataset_id = ? and job.job_index = ? and search.name = ?`,
		datasetID, jobIndex, name,
	)
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", xe.Wrap(Missing{Table: "task", Identity: datasetID + "." + name})
	}
	return found[0], nil
}

// Buffered is one materialized task.
type Buffered struct {
	Task   db.Task
	Search db.Search

	// Requirements is the lookup row to cache. Nil means no caching.
	Requirements *db.TaskLookup
}

// InsertTasks writes tasks with their search and lookup rows.
func InsertTasks(ctx context.Context, s *store.Session, tasks []Buffered) error {
	if len(tasks) == 0 {
		return nil
	}
	taskRows := make([]db.Task, 0, len(tasks))
	searchRows := make([]db.Search, 0, len(tasks))
	lookups := []db.TaskLookup{}
	for _, b := range tasks {
		taskRows = append(taskRows, b.Task)
		searchRows = append(searchRows, b.Search)
		if b.Requirements != nil {
			lookups = append(lookups, *b.Requirements)
		}
	}

	stmts := tables.Task.InsertEach(50, taskRows...)
	stmts = append(stmts, tables.Search.InsertEach(100, searchRows...)...)
	if len(lookups) != 0 {
		stmts = append(stmts, InsertLookupStatements(lookups)...)
	}
	_, err := s.Write(ctx, stmts...)
	return err
}

// TransitTasks sets status of tasks to `to`, in task and search.
//
// When from is not empty, only tasks currently in one of from are changed.
// It returns the number of changed tasks.
func TransitTasks(
	ctx context.Context, s *store.Session, taskIDs []string, to db.TaskStatus, from []db.TaskStatus, now time.Time,
) (int64, error) {
	var total int64
	cond := ""
	if len(from) != 0 {
		cond = " and status in (" + store.Placeholders(len(from)) + ")"
	}
	err := eachBatch(slices.Uniq(taskIDs), func(batch []string, in string) error {
		args := append([]any{to, db.Timestamp(now)}, slices.ToAny(batch)...)
		args = append(args, slices.ToAny(from)...)
		searchArgs := append([]any{to}, slices.ToAny(batch)...)
		searchArgs = append(searchArgs, slices.ToAny(from)...)

		affected, err := s.Write(
			ctx,
			tables.Task.Statement(
				batch[0],
				"update task set prev_status = status, status = ?, status_changed = ? where task_id in "+in+cond,
				args...,
			),
			tables.Search.Statement(
				batch[0],
				"update search set task_status = ? where task_id in "+in+strings.Replace(cond, "status", "task_status", 1),
				searchArgs...,
			),
		)
		if err != nil {
			return err
		}
		total += affected[0]
		return nil
	})
	return total, err
}

// UpdateTask moves one task to status `to` and sets more columns.
//
// set is a list of assignments like "failures = ?, error_message = ?", bound with args.
// It returns Missing when the task does not exist.
func UpdateTask(
	ctx context.Context, s *store.Session, taskID string, to db.TaskStatus, now time.Time, set string, args ...any,
) error {
	sql := "update task set prev_status = status, status = ?, status_changed = ?"
	if set != "" {
		sql += ", " + set
	}
	sql += " where task_id = ?"
	a := append([]any{to, db.Timestamp(now)}, args...)
	a = append(a, taskID)

	affected, err := s.Write(
		ctx,
		tables.Task.Statement(taskID, sql, a...),
		tables.Search.Statement(taskID, "update search set task_status = ? where task_id = ?", to, taskID),
	)
	if err != nil {
		return err
	}
	if affected[0] == 0 {
		return xe.Wrap(Missing{Table: "task", Identity: taskID})
	}
	return nil
}

// StatusCount is the number of tasks in a status.
type StatusCount struct {
	DatasetID string
	Status    db.TaskStatus
	Count     int
}

// CountStatuses counts search rows of datasets per status.
func CountStatuses(ctx context.Context, s *store.Session, datasetIDs []string) ([]StatusCount, error) {
	out := []StatusCount{}
	err := eachBatch(slices.Uniq(datasetIDs), func(batch []string, in string) error {
		rows, err := s.Read(
			ctx,
			"select dataset_id, task_status, count(*) from search where dataset_id in "+in+
				" group by dataset_id, task_status",
			slices.ToAny(batch)...,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c StatusCount
			var n int64
			if err := rows.Scan(&c.DatasetID, &c.Status, &n); err != nil {
				return xe.Wrap(err)
			}
			c.Count = int(n)
			out = append(out, c)
		}
		return xe.Wrap(rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EvictTasks resets processing tasks whose pilot is gone, counting an eviction.
//
// Tasks in other statuses are left. It returns the number of reset tasks.
func EvictTasks(ctx context.Context, s *store.Session, taskIDs []string, now time.Time) (int64, error) {
	var total int64
	err := eachBatch(slices.Uniq(taskIDs), func(batch []string, in string) error {
		args := append([]any{db.Reset, db.Timestamp(now)}, slices.ToAny(batch)...)
		args = append(args, db.Processing)
		searchArgs := append([]any{db.Reset}, slices.ToAny(batch)...)
		searchArgs = append(searchArgs, db.Processing)

		affected, err := s.Write(
			ctx,
			tables.Task.Statement(
				batch[0],
				"update task set prev_status = status, status = ?, status_changed = ?, evictions = evictions + 1"+
					" where task_id in "+in+" and status = ?",
				args...,
			),
			tables.Search.Statement(
				batch[0],
				"update search set task_status = ? where task_id in "+in+" and task_status = ?",
				searchArgs...,
			),
		)
		if err != nil {
			return err
		}
		total += affected[0]
		return nil
	})
	return total, err
}

// PlaceTask records where a task is submitted to.
func PlaceTask(ctx context.Context, s *store.Session, taskID, gridQueueID, submitDir string) error {
	affected, err := s.Write(ctx, tables.Task.Statement(
		taskID,
		"update task set grid_queue_id = ?, submit_dir = ? where task_id = ?",
		gridQueueID, submitDir, taskID,
	))
	if err != nil {
		return err
	}
	if affected[0] == 0 {
		return xe.Wrap(Missing{Table: "task", Identity: taskID})
	}
	return nil
}
