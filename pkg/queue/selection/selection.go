// Package selection picks runnable tasks and promotes them to queued.
//
// The promotion is a conditional update of task status from the selectable
// statuses. When it changes fewer rows than selected, another caller took
// some of the tasks in between, and the selection is retried from fresh state.
package selection

import (
	"cmp"
	"context"
	"math"
	"slices"
	"time"

	"github.com/opst/gridqueue/pkg/conn/store"
	"github.com/opst/gridqueue/pkg/db"
	"github.com/opst/gridqueue/pkg/db/repository"
	xe "github.com/opst/gridqueue/pkg/errors"
	"github.com/opst/gridqueue/pkg/ids"
	"github.com/opst/gridqueue/pkg/metrics"
	"github.com/opst/gridqueue/pkg/resources"
	"github.com/sirupsen/logrus"
)

// QueuedTask is a task promoted to queued, with what a pilot needs to run it.
type QueuedTask struct {
	Search db.Search
	Task   db.Task

	Debug         bool
	JobsSubmitted int
	JobIndex      int
	Requirements  resources.Resources
}

type Engine struct {
	db    *store.Database
	log   logrus.FieldLogger
	clock func() time.Time
}

type Option func(*Engine) *Engine

func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) *Engine {
		e.log = log
		return e
	}
}

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) *Engine {
		e.clock = clock
		return e
	}
}

func New(d *store.Database, options ...Option) *Engine {
	e := &Engine{db: d, log: logrus.StandardLogger(), clock: time.Now}
	for _, opt := range options {
		e = opt(e)
	}
	return e
}

type candidate struct {
	search   db.Search
	task     db.Task
	jobIndex int
}

// GetQueueingTasks promotes up to quota tasks of datasets in prios to queued.
//
// prios maps dataset ids to their weights. Each dataset may take
// ceil(weight * quota) tasks, visited by weight (higher first). A task is
// taken only when every task it depends on is complete. When gridspec is not
// empty, only tasks for that queue are taken. When available is not nil, tasks
// whose requirements do not fit in it are left.
//
// It returns promoted tasks by task id. No task is promoted by two calls.
func (e *Engine) GetQueueingTasks(
	ctx context.Context,
	prios map[string]float64,
	gridspec string,
	quota int,
	available resources.Resources,
) (map[string]QueuedTask, error) {
	if quota <= 0 || len(prios) == 0 {
		return map[string]QueuedTask{}, nil
	}

	queued, err := store.Run(ctx, e.db, func(ctx context.Context, s *store.Session) (map[string]QueuedTask, error) {
		return e.selectAndPromote(ctx, s, prios, gridspec, quota, available)
	})
	if err != nil {
		return nil, err
	}
	if len(queued) != 0 {
		metrics.QueuedTasks.WithLabelValues(gridspec).Add(float64(len(queued)))
		e.log.WithFields(logrus.Fields{"gridspec": gridspec, "tasks": len(queued)}).Debug("tasks are queued")
	}
	return queued, nil
}

func (e *Engine) selectAndPromote(
	ctx context.Context,
	s *store.Session,
	prios map[string]float64,
	gridspec string,
	quota int,
	available resources.Resources,
) (map[string]QueuedTask, error) {
	datasetIDs := make([]string, 0, len(prios))
	for id := range prios {
		datasetIDs = append(datasetIDs, id)
	}
	byDataset, err := loadCandidates(ctx, s, datasetIDs, gridspec)
	if err != nil {
		return nil, err
	}

	deps := []string{}
	for _, cs := range byDataset {
		for _, c := range cs {
			deps = append(deps, c.task.Depends...)
		}
	}
	depStatus, err := repository.GetStatuses(ctx, s, deps)
	if err != nil {
		return nil, err
	}

	slices.SortFunc(datasetIDs, func(a, b string) int {
		if c := cmp.Compare(prios[b], prios[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})

	admitted := []candidate{}
	for _, id := range datasetIDs {
		share := int(math.Ceil(prios[id] * float64(quota)))
		taken := 0
		for _, c := range byDataset[id] {
			if share <= taken {
				break
			}
			if !satisfied(c.task.Depends, depStatus) {
				continue
			}
			admitted = append(admitted, c)
			taken += 1
		}
	}
	if quota < len(admitted) {
		admitted = admitted[:quota]
	}

	reqs, err := requirements(ctx, s, admitted)
	if err != nil {
		return nil, err
	}
	if available != nil {
		fit := admitted[:0]
		for _, c := range admitted {
			if reqs[c.task.ID].Fits(available) {
				fit = append(fit, c)
			}
		}
		admitted = fit
	}
	if len(admitted) == 0 {
		return map[string]QueuedTask{}, nil
	}

	taskIDs := make([]string, 0, len(admitted))
	for _, c := range admitted {
		taskIDs = append(taskIDs, c.task.ID)
	}
	now := e.clock()
	changed, err := repository.TransitTasks(ctx, s, taskIDs, db.Queued, db.SourcesOf(db.Queued), now)
	if err != nil {
		return nil, err
	}
	if changed != int64(len(taskIDs)) {
		return nil, xe.Wrap(store.ErrConflict)
	}

	datasets, err := repository.GetDatasets(ctx, s, datasetIDs)
	if err != nil {
		return nil, err
	}

	out := make(map[string]QueuedTask, len(admitted))
	for _, c := range admitted {
		task := c.task
		task.PrevStatus = task.Status
		task.Status = db.Queued
		task.StatusChanged = db.Timestamp(now)
		search := c.search
		search.TaskStatus = db.Queued

		ds := datasets[search.DatasetID]
		out[task.ID] = QueuedTask{
			Search:        search,
			Task:          task,
			Debug:         ds.Debug,
			JobsSubmitted: ds.JobsSubmitted,
			JobIndex:      c.jobIndex,
			Requirements:  reqs[task.ID],
		}
	}
	return out, nil
}

// loadCandidates reads selectable tasks per dataset, in the order they are taken.
func loadCandidates(
	ctx context.Context, s *store.Session, datasetIDs []string, gridspec string,
) (map[string][]candidate, error) {
	search, err := repository.FindSearch(ctx, s, repository.SearchFilter{
		DatasetIDs: datasetIDs,
		Gridspec:   gridspec,
		Statuses:   db.SelectableStatuses(),
	})
	if err != nil {
		return nil, err
	}

	taskIDs := make([]string, len(search))
	jobIDs := make([]string, len(search))
	for i, sr := range search {
		taskIDs[i] = sr.TaskID
		jobIDs[i] = sr.JobID
	}
	tasks, err := repository.GetTasks(ctx, s, taskIDs)
	if err != nil {
		return nil, err
	}
	jobs, err := repository.GetJobs(ctx, s, jobIDs)
	if err != nil {
		return nil, err
	}

	out := map[string][]candidate{}
	for _, sr := range search {
		task, ok := tasks[sr.TaskID]
		if !ok || !task.Status.Selectable() {
			continue
		}
		out[sr.DatasetID] = append(out[sr.DatasetID], candidate{
			search: sr, task: task, jobIndex: jobs[sr.JobID].JobIndex,
		})
	}
	for _, cs := range out {
		slices.SortFunc(cs, func(a, b candidate) int {
			if c := cmp.Compare(a.task.TaskIndex, b.task.TaskIndex); c != 0 {
				return c
			}
			if c := cmp.Compare(a.jobIndex, b.jobIndex); c != 0 {
				return c
			}
			return ids.Compare(a.task.ID, b.task.ID)
		})
	}
	return out, nil
}

func satisfied(depends db.IDSet, status map[string]db.TaskStatus) bool {
	for _, id := range depends {
		if status[id] != db.Complete {
			return false
		}
	}
	return true
}

// requirements reads cached requirements of candidates.
//
// Missing cache rows are rebuilt from templates and written back.
func requirements(ctx context.Context, s *store.Session, cs []candidate) (map[string]resources.Resources, error) {
	tasks := make([]db.Task, len(cs))
	for i, c := range cs {
		tasks[i] = c.task
	}
	return repository.Requirements(ctx, s, tasks)
}
