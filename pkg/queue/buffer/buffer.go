// Package buffer materializes jobs and tasks of datasets from their templates.
package buffer

import (
	"context"
	"errors"
	"time"

	"github.com/opst/gridqueue/pkg/conn/store"
	"github.com/opst/gridqueue/pkg/db"
	"github.com/opst/gridqueue/pkg/db/repository"
	"github.com/opst/gridqueue/pkg/db/tables"
	xe "github.com/opst/gridqueue/pkg/errors"
	"github.com/opst/gridqueue/pkg/ids"
	"github.com/opst/gridqueue/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Result tells what a call buffered.
type Result struct {
	Jobs  int
	Tasks int

	// Datasets is the number of tasks buffered per dataset.
	Datasets map[string]int
}

type Engine struct {
	db        *store.Database
	gridspecs []string
	log       logrus.FieldLogger
	clock     func() time.Time
}

type Option func(*Engine) *Engine

// WithLocalGridspecs sets the gridspecs buffered when a caller requests none.
func WithLocalGridspecs(gridspecs ...string) Option {
	return func(e *Engine) *Engine {
		e.gridspecs = gridspecs
		return e
	}
}

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

// BufferJobsTasks creates jobs and tasks for processing datasets matching
// gridspecs, up to requested tasks in total.
//
// When gridspecs is empty, the local gridspecs are used; when there are none,
// every processing dataset is a candidate. Datasets are visited by priority,
// sharing the requested budget.
//
// A dataset with an unresolvable template is skipped and logged. Storage
// errors abort the call; datasets buffered before stay buffered.
func (e *Engine) BufferJobsTasks(ctx context.Context, gridspecs []string, requested int) (Result, error) {
	result := Result{Datasets: map[string]int{}}
	if requested <= 0 {
		return result, nil
	}
	if len(gridspecs) == 0 {
		gridspecs = e.gridspecs
	}

	candidates, err := store.Run(ctx, e.db, func(ctx context.Context, s *store.Session) ([]db.Dataset, error) {
		return repository.FindDatasets(ctx, s, db.DatasetProcessing)
	})
	if err != nil {
		return result, err
	}

	budget := requested
	for _, ds := range candidates {
		if budget <= 0 {
			break
		}
		if len(gridspecs) != 0 && !ds.Gridspec.MatchesAny(gridspecs) {
			continue
		}
		log := e.log.WithField("dataset", ds.ID)

		done, err := store.Run(ctx, e.db, func(ctx context.Context, s *store.Session) (batch, error) {
			return e.bufferDataset(ctx, s, ds.ID, budget, log)
		})
		if errors.Is(err, db.ErrUnresolvable) {
			log.WithError(err).Warn("dataset is skipped: template cannot be resolved")
			continue
		} else if err != nil {
			return result, err
		}
		if done.jobs == 0 {
			continue
		}

		budget -= done.tasks
		result.Jobs += done.jobs
		result.Tasks += done.tasks
		result.Datasets[ds.ID] = done.tasks
		metrics.BufferedJobs.WithLabelValues(ds.ID).Add(float64(done.jobs))
		metrics.BufferedTasks.WithLabelValues(ds.ID).Add(float64(done.tasks))
		log.WithFields(logrus.Fields{"jobs": done.jobs, "tasks": done.tasks}).Info("buffered")
	}
	return result, nil
}

type batch struct {
	jobs  int
	tasks int
}

func (e *Engine) bufferDataset(
	ctx context.Context, s *store.Session, datasetID string, budget int, log logrus.FieldLogger,
) (batch, error) {
	// concurrent callers wait here until this one commits, then count its jobs.
	if ok, err := repository.LockDataset(ctx, s, datasetID); err != nil || !ok {
		return batch{}, err
	}
	ds, err := repository.GetDataset(ctx, s, datasetID)
	if err != nil {
		return batch{}, err
	}
	if ds.Status != db.DatasetProcessing {
		return batch{}, nil
	}

	perJob := ds.TasksPerJob()
	if ds.JobsSubmitted <= 0 || perJob <= 0 {
		log.WithFields(logrus.Fields{
			"jobs_submitted": ds.JobsSubmitted, "tasks_submitted": ds.TasksSubmitted,
		}).Info("dataset has no task to buffer")
		return batch{}, nil
	}

	buffered, err := repository.CountJobs(ctx, s, ds.ID)
	if err != nil {
		return batch{}, err
	}
	remaining := ds.JobsSubmitted - buffered
	if remaining <= 0 {
		return batch{}, nil
	}
	newJobs := min((budget+perJob-1)/perJob, remaining)

	templates, err := repository.GetTemplates(ctx, s, ds.ID)
	if err != nil {
		return batch{}, err
	}
	var plans []taskPlan
	if len(templates) != perJob {
		log.WithFields(logrus.Fields{
			"templates": len(templates), "tasks_per_job": perJob,
		}).Warn("template count does not match tasks per job: buffering anonymous tasks")
		plans = anonymous(perJob)
	} else if plans, err = compile(ctx, s, ds, templates); err != nil {
		return batch{}, err
	}

	now := e.clock()
	done := batch{}
	for jobIndex := buffered; jobIndex < buffered+newJobs; jobIndex++ {
		err := e.bufferJob(ctx, s, ds, jobIndex, plans, now)
		if errors.Is(err, db.ErrDependencyNotBuffered) {
			log.WithField("job_index", jobIndex).WithError(err).Info("buffering waits for a depended dataset")
			break
		} else if err != nil {
			return batch{}, err
		}
		done.jobs += 1
		done.tasks += len(plans)
	}
	return done, nil
}

// bufferJob creates one job with all of its tasks, or nothing.
func (e *Engine) bufferJob(
	ctx context.Context, s *store.Session, ds db.Dataset, jobIndex int, plans []taskPlan, now time.Time,
) error {
	external := map[externalRef]string{}
	for _, p := range plans {
		for _, ref := range p.external {
			if _, ok := external[ref]; ok {
				continue
			}
			id, err := repository.FindTaskByJob(ctx, s, ref.dataset, jobIndex, ref.name)
			if errors.Is(err, db.ErrMissing) {
				return xe.Wrap(db.ErrDependencyNotBuffered)
			} else if err != nil {
				return err
			}
			external[ref] = id
		}
	}

	jobID, err := s.NewID(ctx, ids.Job)
	if err != nil {
		return err
	}
	taskIDs, err := s.NewIDs(ctx, ids.Task, len(plans))
	if err != nil {
		return err
	}

	stamp := db.Timestamp(now)
	tasks := make([]repository.Buffered, len(plans))
	for i, p := range plans {
		depends := db.NewIDSet()
		for _, sib := range p.siblings {
			depends = depends.Add(taskIDs[sib])
		}
		for _, ref := range p.external {
			depends = depends.Add(external[ref])
		}
		req, err := p.requirements.MarshalJSON()
		if err != nil {
			return xe.Wrap(err)
		}
		tasks[i] = repository.Buffered{
			Task: db.Task{
				ID:            taskIDs[i],
				Status:        db.Waiting,
				PrevStatus:    db.Idle,
				StatusChanged: stamp,
				Depends:       depends,
				TemplateID:    p.templateID,
				TaskIndex:     p.index,
			},
			Search: db.Search{
				TaskID:     taskIDs[i],
				JobID:      jobID,
				DatasetID:  ds.ID,
				Gridspec:   ds.Gridspec.For(p.name),
				Name:       p.name,
				TaskStatus: db.Waiting,
			},
			Requirements: &db.TaskLookup{TaskID: taskIDs[i], Requirements: string(req)},
		}
	}

	if _, err := s.Write(ctx, tables.Job.Insert(db.Job{
		ID:            jobID,
		DatasetID:     ds.ID,
		JobIndex:      jobIndex,
		Status:        db.DatasetProcessing,
		StatusChanged: stamp,
	})); err != nil {
		return err
	}
	return repository.InsertTasks(ctx, s, tasks)
}
