package lifecycle

import (
	"context"

	"github.com/opst/gridqueue/pkg/conn/store"
	"github.com/opst/gridqueue/pkg/db"
	"github.com/opst/gridqueue/pkg/db/repository"
	"github.com/opst/gridqueue/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// CronDatasetCompletion settles processing datasets whose tasks are all
// buffered and none is active.
//
// It returns ids of settled datasets by their new status.
func (m *Manager) CronDatasetCompletion(ctx context.Context) (map[db.DatasetStatus][]string, error) {
	settled, err := store.Run(ctx, m.db, func(ctx context.Context, s *store.Session) (map[db.DatasetStatus][]string, error) {
		datasets, err := repository.FindDatasets(ctx, s, db.DatasetProcessing)
		if err != nil {
			return nil, err
		}
		if len(datasets) == 0 {
			return map[db.DatasetStatus][]string{}, nil
		}
		datasetIDs := make([]string, len(datasets))
		for i, ds := range datasets {
			datasetIDs[i] = ds.ID
		}
		counts, err := repository.CountStatuses(ctx, s, datasetIDs)
		if err != nil {
			return nil, err
		}

		total := map[string]int{}
		statuses := map[string][]db.TaskStatus{}
		for _, c := range counts {
			total[c.DatasetID] += c.Count
			statuses[c.DatasetID] = append(statuses[c.DatasetID], c.Status)
		}

		groups := map[db.DatasetStatus][]string{}
		for _, ds := range datasets {
			if total[ds.ID] != ds.TasksSubmitted {
				continue
			}
			to, ok := settle(statuses[ds.ID])
			if !ok {
				continue
			}
			groups[to] = append(groups[to], ds.ID)
		}

		now := m.clock()
		for to, ids := range groups {
			if _, err := repository.UpdateDatasetStatus(ctx, s, ids, to, now); err != nil {
				return nil, err
			}
		}
		return groups, nil
	})
	if err != nil {
		return nil, err
	}

	for to, ids := range settled {
		metrics.DatasetsReconciled.WithLabelValues(string(to)).Add(float64(len(ids)))
		for _, id := range ids {
			m.log.WithFields(logrus.Fields{"dataset": id, "status": to}).Info("dataset is settled")
		}
	}
	return settled, nil
}

func settle(statuses []db.TaskStatus) (db.DatasetStatus, bool) {
	for _, st := range statuses {
		if st.Active() {
			return "", false
		}
	}
	return db.Settle(statuses)
}

// SetDatasetStatus sets status of datasets. It returns the number of changed datasets.
func (m *Manager) SetDatasetStatus(ctx context.Context, datasetIDs []string, status db.DatasetStatus) (int64, error) {
	if _, err := db.AsDatasetStatus(string(status)); err != nil {
		return 0, err
	}
	return store.Run(ctx, m.db, func(ctx context.Context, s *store.Session) (int64, error) {
		return repository.UpdateDatasetStatus(ctx, s, datasetIDs, status, m.clock())
	})
}

// GetActiveTasks returns active tasks of gridspec by status, then by task id.
//
// Empty gridspec means all gridspecs.
func (m *Manager) GetActiveTasks(ctx context.Context, gridspec string) (map[db.TaskStatus]map[string]db.Task, error) {
	return store.Run(ctx, m.db, func(ctx context.Context, s *store.Session) (map[db.TaskStatus]map[string]db.Task, error) {
		found, err := repository.FindSearch(ctx, s, repository.SearchFilter{
			Gridspec: gridspec, Statuses: db.ActiveStatuses(),
		})
		if err != nil {
			return nil, err
		}
		taskIDs := make([]string, len(found))
		for i, sr := range found {
			taskIDs[i] = sr.TaskID
		}
		tasks, err := repository.GetTasks(ctx, s, taskIDs)
		if err != nil {
			return nil, err
		}

		out := map[db.TaskStatus]map[string]db.Task{}
		for _, t := range tasks {
			if _, ok := out[t.Status]; !ok {
				out[t.Status] = map[string]db.Task{}
			}
			out[t.Status][t.ID] = t
		}
		return out, nil
	})
}

// GridTask is a task handed to the grid.
type GridTask struct {
	TaskID      string        `json:"task_id"`
	Status      db.TaskStatus `json:"status"`
	GridQueueID string        `json:"grid_queue_id"`
	SubmitDir   string        `json:"submit_dir"`
}

// GetGridTasks returns queued and processing tasks of gridspec.
func (m *Manager) GetGridTasks(ctx context.Context, gridspec string) ([]GridTask, error) {
	return store.Run(ctx, m.db, func(ctx context.Context, s *store.Session) ([]GridTask, error) {
		found, err := repository.FindSearch(ctx, s, repository.SearchFilter{
			Gridspec: gridspec, Statuses: db.RunningStatuses(),
		})
		if err != nil {
			return nil, err
		}
		taskIDs := make([]string, len(found))
		for i, sr := range found {
			taskIDs[i] = sr.TaskID
		}
		tasks, err := repository.GetTasks(ctx, s, taskIDs)
		if err != nil {
			return nil, err
		}
		out := make([]GridTask, 0, len(found))
		for _, sr := range found {
			t, ok := tasks[sr.TaskID]
			if !ok {
				continue
			}
			out = append(out, GridTask{
				TaskID: t.ID, Status: t.Status, GridQueueID: t.GridQueueID, SubmitDir: t.SubmitDir,
			})
		}
		return out, nil
	})
}
