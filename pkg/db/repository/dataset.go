package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/opst/gridqueue/pkg/conn/store"
	"github.com/opst/gridqueue/pkg/db"
	"github.com/opst/gridqueue/pkg/db/tables"
	xe "github.com/opst/gridqueue/pkg/errors"
	"github.com/opst/gridqueue/pkg/utils/slices"
)

func GetDataset(ctx context.Context, s *store.Session, datasetID string) (db.Dataset, error) {
	found, err := tables.Dataset.Query(ctx, s, "where dataset_id = ?", datasetID)
	if err != nil {
		return db.Dataset{}, err
	}
	if len(found) == 0 {
		return db.Dataset{}, xe.Wrap(Missing{Table: "dataset", Identity: datasetID})
	}
	return found[0], nil
}

// GetDatasets returns datasets by id. Unknown ids are absent from the result.
func GetDatasets(ctx context.Context, s *store.Session, datasetIDs []string) (map[string]db.Dataset, error) {
	found, err := queryBatched(ctx, s, tables.Dataset, "where dataset_id in %IN%", datasetIDs)
	if err != nil {
		return nil, err
	}
	out := map[string]db.Dataset{}
	for _, d := range found {
		out[d.ID] = d
	}
	return out, nil
}

// FindDatasets returns datasets in status, ordered by priority (higher first) then by id.
func FindDatasets(ctx context.Context, s *store.Session, status db.DatasetStatus) ([]db.Dataset, error) {
	return tables.Dataset.Query(
		ctx, s, "where status = ? order by priority desc, dataset_id", status,
	)
}

// InsertDataset writes a dataset with its templates.
func InsertDataset(ctx context.Context, s *store.Session, d db.Dataset, templates []db.TaskTemplate) error {
	stmts := []store.Statement{tables.Dataset.Insert(d)}
	if len(templates) != 0 {
		stmts = append(stmts, tables.TaskTemplate.InsertEach(50, templates...)...)
	}
	_, err := s.Write(ctx, stmts...)
	return err
}

// GetTemplates returns templates of a dataset in task_index order.
func GetTemplates(ctx context.Context, s *store.Session, datasetID string) ([]db.TaskTemplate, error) {
	return tables.TaskTemplate.Query(
		ctx, s, "where dataset_id = ? order by task_index", datasetID,
	)
}

// GetTemplatesByID returns templates by id.
func GetTemplatesByID(ctx context.Context, s *store.Session, templateIDs []string) (map[string]db.TaskTemplate, error) {
	found, err := queryBatched(ctx, s, tables.TaskTemplate, "where task_template_id in %IN%", templateIDs)
	if err != nil {
		return nil, err
	}
	out := map[string]db.TaskTemplate{}
	for _, t := range found {
		out[t.ID] = t
	}
	return out, nil
}

// UpdateDatasetStatus sets status of datasets in one statement per batch.
//
// end_date is set when the new status is complete. It returns the number of updated datasets.
func UpdateDatasetStatus(
	ctx context.Context, s *store.Session, datasetIDs []string, status db.DatasetStatus, now time.Time,
) (int64, error) {
	var total int64
	err := eachBatch(datasetIDs, func(batch []string, in string) error {
		sql := "update dataset set status = ? where dataset_id in " + in
		args := []any{status}
		if status == db.DatasetComplete {
			sql = "update dataset set status = ?, end_date = ? where dataset_id in " + in
			args = append(args, db.Timestamp(now))
		}
		affected, err := s.Write(ctx, tables.Dataset.Statement(batch[0], sql, append(args, slices.ToAny(batch)...)...))
		if err != nil {
			return err
		}
		total += affected[0]
		return nil
	})
	return total, err
}

// CountJobs is the number of buffered jobs of a dataset.
func CountJobs(ctx context.Context, s *store.Session, datasetID string) (int, error) {
	n, err := tables.QueryValues[int64](ctx, s, "select count(*) from job where dataset_id = ?", datasetID)
	if err != nil {
		return 0, err
	}
	if len(n) == 0 {
		return 0, nil
	}
	return int(n[0]), nil
}

// LockDataset takes the write lock on a dataset row until the transaction ends.
//
// It reports whether the dataset exists.
func LockDataset(ctx context.Context, s *store.Session, datasetID string) (bool, error) {
	n, err := s.Exec(ctx, "update dataset set dataset_id = dataset_id where dataset_id = ?", datasetID)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

// GetJob returns the job of a dataset at index.
func GetJob(ctx context.Context, s *store.Session, datasetID string, jobIndex int) (db.Job, error) {
	found, err := tables.Job.Query(ctx, s, "where dataset_id = ? and job_index = ?", datasetID, jobIndex)
	if err != nil {
		return db.Job{}, err
	}
	if len(found) == 0 {
		return db.Job{}, xe.Wrap(Missing{Table: "job", Identity: datasetID + "#" + strconv.Itoa(jobIndex)})
	}
	return found[0], nil
}

func GetJobs(ctx context.Context, s *store.Session, jobIDs []string) (map[string]db.Job, error) {
	found, err := queryBatched(ctx, s, tables.Job, "where job_id in %IN%", jobIDs)
	if err != nil {
		return nil, err
	}
	out := map[string]db.Job{}
	for _, j := range found {
		out[j.ID] = j
	}
	return out, nil
}

func UpdateJobStatus(ctx context.Context, s *store.Session, jobID string, status db.JobStatus, now time.Time) error {
	affected, err := s.Write(ctx, tables.Job.Statement(
		jobID,
		"update job set status = ?, status_changed = ? where job_id = ?",
		status, db.Timestamp(now), jobID,
	))
	if err != nil {
		return err
	}
	if affected[0] == 0 {
		return xe.Wrap(Missing{Table: "job", Identity: jobID})
	}
	return nil
}
