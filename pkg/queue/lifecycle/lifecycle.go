// Package lifecycle moves tasks, jobs and datasets through their statuses.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

// DefaultMaxResets is the number of errors after which a task fails.
const DefaultMaxResets = 10

type Manager struct {
	db        *store.Database
	maxResets int
	log       logrus.FieldLogger
	clock     func() time.Time
}

type Option func(*Manager) *Manager

// WithMaxResets sets the number of errors after which a task fails instead of being reset.
func WithMaxResets(n int) Option {
	return func(m *Manager) *Manager {
		m.maxResets = n
		return m
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) *Manager {
		m.log = log
		return m
	}
}

func WithClock(clock func() time.Time) Option {
	return func(m *Manager) *Manager {
		m.clock = clock
		return m
	}
}

func New(d *store.Database, options ...Option) *Manager {
	m := &Manager{
		db:        d,
		maxResets: DefaultMaxResets,
		log:       logrus.StandardLogger(),
		clock:     time.Now,
	}
	for _, opt := range options {
		m = opt(m)
	}
	return m
}

func (m *Manager) MaxResets() int { return m.maxResets }

// SetTaskStatus sets status of tasks regardless of their current status.
//
// It returns the number of changed tasks.
func (m *Manager) SetTaskStatus(ctx context.Context, taskIDs []string, status db.TaskStatus) (int64, error) {
	if _, err := db.AsTaskStatus(string(status)); err != nil {
		return 0, err
	}
	n, err := store.Run(ctx, m.db, func(ctx context.Context, s *store.Session) (int64, error) {
		return repository.TransitTasks(ctx, s, taskIDs, status, nil, m.clock())
	})
	if err != nil {
		return 0, err
	}
	metrics.TaskTransitions.WithLabelValues(string(status)).Add(float64(n))
	return n, nil
}

// ResetTasks sets tasks in reset to reset and tasks in fail to failed, in one transaction.
func (m *Manager) ResetTasks(ctx context.Context, reset []string, fail []string) error {
	err := m.db.Tx(ctx, func(ctx context.Context, s *store.Session) error {
		now := m.clock()
		if _, err := repository.TransitTasks(ctx, s, reset, db.Reset, nil, now); err != nil {
			return err
		}
		_, err := repository.TransitTasks(ctx, s, fail, db.Failed, nil, now)
		return err
	})
	if err != nil {
		return err
	}
	metrics.TaskTransitions.WithLabelValues(string(db.Reset)).Add(float64(len(reset)))
	metrics.TaskTransitions.WithLabelValues(string(db.Failed)).Add(float64(len(fail)))
	return nil
}

// transit moves one task to `to` when CanTransit allows it.
func (m *Manager) transit(
	ctx context.Context, s *store.Session, taskID string, to db.TaskStatus, set string, args ...any,
) (db.Task, error) {
	task, err := repository.GetTask(ctx, s, taskID)
	if err != nil {
		return db.Task{}, err
	}
	if !db.CanTransit(task.Status, to) {
		return db.Task{}, xe.Wrap(fmt.Errorf(
			"%w: task %s is %s, not to be %s", db.ErrInvalidTransition, taskID, task.Status, to,
		))
	}
	if err := repository.UpdateTask(ctx, s, taskID, to, m.clock(), set, args...); err != nil {
		return db.Task{}, err
	}
	task.PrevStatus = task.Status
	task.Status = to
	return task, nil
}

// Claim marks a queued task as processing by a pilot.
//
// Claiming a processing task again is allowed.
func (m *Manager) Claim(ctx context.Context, taskID string) error {
	err := m.db.Tx(ctx, func(ctx context.Context, s *store.Session) error {
		if _, err := m.transit(ctx, s, taskID, db.Processing, ""); err != nil {
			return err
		}
		return repository.DeleteLookups(ctx, s, []string{taskID})
	})
	if err != nil {
		return err
	}
	metrics.TaskTransitions.WithLabelValues(string(db.Processing)).Inc()
	return nil
}

// ClaimHook is a step of claiming a task done together with the claim.
type ClaimHook func(ctx context.Context, s *store.Session, claimed db.Search) error

// ClaimNext claims one queued task of gridspec whose requirements fit in available.
// When available is nil, resources are not considered.
//
// It returns false when no task is queued, or none fits.
//
// hooks run in the transaction of the claim. When one fails, the task stays queued.
func (m *Manager) ClaimNext(
	ctx context.Context, gridspec string, available resources.Resources, hooks ...ClaimHook,
) (db.Search, bool, error) {
	type claimed struct {
		search db.Search
		ok     bool
	}
	c, err := store.Run(ctx, m.db, func(ctx context.Context, s *store.Session) (claimed, error) {
		found, err := repository.FindSearch(ctx, s, repository.SearchFilter{
			Gridspec: gridspec, Statuses: []db.TaskStatus{db.Queued},
		})
		if err != nil || len(found) == 0 {
			return claimed{}, err
		}
		slices.SortFunc(found, func(a, b db.Search) int { return ids.Compare(a.TaskID, b.TaskID) })
		next, ok, err := fitting(ctx, s, found, available)
		if err != nil || !ok {
			return claimed{}, err
		}
		n, err := repository.TransitTasks(
			ctx, s, []string{next.TaskID}, db.Processing, []db.TaskStatus{db.Queued}, m.clock(),
		)
		if err != nil {
			return claimed{}, err
		}
		if n != 1 {
			return claimed{}, xe.Wrap(store.ErrConflict)
		}
		if err := repository.DeleteLookups(ctx, s, []string{next.TaskID}); err != nil {
			return claimed{}, err
		}
		next.TaskStatus = db.Processing
		for _, h := range hooks {
			if err := h(ctx, s, next); err != nil {
				return claimed{}, err
			}
		}
		return claimed{search: next, ok: true}, nil
	})
	if err != nil {
		return db.Search{}, false, err
	}
	if c.ok {
		metrics.TaskTransitions.WithLabelValues(string(db.Processing)).Inc()
	}
	return c.search, c.ok, nil
}

// Finish marks a processing task as complete and stores its statistics.
//
// stats["time_used"], when it is a number of seconds, is added to the walltime of the task.
// When the task is the last active task of its job, the job is settled.
func (m *Manager) Finish(ctx context.Context, taskID string, stats map[string]any) error {
	if stats == nil {
		stats = map[string]any{}
	}
	blob, err := json.Marshal(stats)
	if err != nil {
		return xe.Wrap(err)
	}

	err = m.db.Tx(ctx, func(ctx context.Context, s *store.Session) error {
		if _, err := m.transit(
			ctx, s, taskID, db.Complete,
			"stats = ?, walltime = walltime + ?", json.RawMessage(blob), timeUsed(stats),
		); err != nil {
			return err
		}
		return m.settleJob(ctx, s, taskID)
	})
	if err != nil {
		return err
	}
	metrics.TaskTransitions.WithLabelValues(string(db.Complete)).Inc()
	return nil
}

// ErrorInfo is what a pilot reports with a task error.
type ErrorInfo struct {
	Message string

	// TimeUsed is seconds the failed attempt took.
	TimeUsed float64
}

// Error records an error of a running task and decides what comes next:
// suspended when the dataset is in debug mode, failed when the task has
// errored max resets times, reset otherwise.
func (m *Manager) Error(ctx context.Context, taskID string, info ErrorInfo) (db.TaskStatus, error) {
	next, err := store.Run(ctx, m.db, func(ctx context.Context, s *store.Session) (db.TaskStatus, error) {
		task, err := repository.GetTask(ctx, s, taskID)
		if err != nil {
			return "", err
		}
		search, err := repository.GetSearch(ctx, s, taskID)
		if err != nil {
			return "", err
		}
		ds, err := repository.GetDataset(ctx, s, search.DatasetID)
		if err != nil {
			return "", err
		}

		failures := task.Failures + 1
		next := db.Reset
		switch {
		case ds.Debug:
			next = db.Suspended
		case m.maxResets <= failures:
			next = db.Failed
		}
		if !db.CanTransit(task.Status, next) {
			return "", xe.Wrap(fmt.Errorf(
				"%w: task %s is %s, not to be %s", db.ErrInvalidTransition, taskID, task.Status, next,
			))
		}

		if err := repository.UpdateTask(
			ctx, s, taskID, next, m.clock(),
			"failures = ?, error_message = ?, walltime_err = walltime_err + ?, walltime_err_n = walltime_err_n + 1",
			failures, info.Message, info.TimeUsed,
		); err != nil {
			return "", err
		}
		if next != db.Reset {
			if err := m.settleJob(ctx, s, taskID); err != nil {
				return "", err
			}
		}
		return next, nil
	})
	if err != nil {
		return "", err
	}
	metrics.TaskTransitions.WithLabelValues(string(next)).Inc()
	m.log.WithFields(logrus.Fields{"task": taskID, "status": next}).Info("task errored")
	return next, nil
}

// Suspend holds a task until it is resumed.
func (m *Manager) Suspend(ctx context.Context, taskID string) error {
	err := m.db.Tx(ctx, func(ctx context.Context, s *store.Session) error {
		_, err := m.transit(ctx, s, taskID, db.Suspended, "")
		return err
	})
	if err != nil {
		return err
	}
	metrics.TaskTransitions.WithLabelValues(string(db.Suspended)).Inc()
	return nil
}

// Resume moves suspended or failed tasks to resume and clears their failure count.
//
// Tasks in other statuses are left. It returns the number of resumed tasks.
func (m *Manager) Resume(ctx context.Context, taskIDs []string) (int64, error) {
	n, err := store.Run(ctx, m.db, func(ctx context.Context, s *store.Session) (int64, error) {
		var total int64
		for _, id := range taskIDs {
			_, err := m.transit(ctx, s, id, db.Resume, "failures = 0")
			if errors.Is(err, db.ErrInvalidTransition) {
				continue
			} else if err != nil {
				return 0, err
			}
			total += 1
		}
		return total, nil
	})
	if err != nil {
		return 0, err
	}
	metrics.TaskTransitions.WithLabelValues(string(db.Resume)).Add(float64(n))
	return n, nil
}

// StillRunning reports whether a task is queued or processing.
func (m *Manager) StillRunning(ctx context.Context, taskID string) (bool, error) {
	task, err := m.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return task.Status.Running(), nil
}

func (m *Manager) GetTask(ctx context.Context, taskID string) (db.Task, error) {
	return store.Run(ctx, m.db, func(ctx context.Context, s *store.Session) (db.Task, error) {
		return repository.GetTask(ctx, s, taskID)
	})
}

// settleJob updates the status of the job of a task, when all of its tasks
// are buffered and none is active.
func (m *Manager) settleJob(ctx context.Context, s *store.Session, taskID string) error {
	search, err := repository.GetSearch(ctx, s, taskID)
	if err != nil {
		return err
	}
	ds, err := repository.GetDataset(ctx, s, search.DatasetID)
	if err != nil {
		return err
	}
	siblings, err := repository.FindSearch(ctx, s, repository.SearchFilter{JobID: search.JobID})
	if err != nil {
		return err
	}
	if len(siblings) != ds.TasksPerJob() {
		return nil
	}

	statuses := make([]db.TaskStatus, 0, len(siblings))
	for _, sr := range siblings {
		if sr.TaskStatus.Active() {
			return nil
		}
		statuses = append(statuses, sr.TaskStatus)
	}
	settled, ok := db.Settle(statuses)
	if !ok {
		return nil
	}
	if err := repository.UpdateJobStatus(ctx, s, search.JobID, settled, m.clock()); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"job": search.JobID, "status": settled}).Info("job is settled")
	return nil
}

func timeUsed(stats map[string]any) float64 {
	switch v := stats["time_used"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// fitting returns the first task whose requirements fit in available.
//
// A nil available fits anything.
func fitting(ctx context.Context, s *store.Session, found []db.Search, available resources.Resources) (db.Search, bool, error) {
	if available == nil {
		return found[0], true, nil
	}
	taskIDs := make([]string, len(found))
	for i, f := range found {
		taskIDs[i] = f.TaskID
	}
	byID, err := repository.GetTasks(ctx, s, taskIDs)
	if err != nil {
		return db.Search{}, false, err
	}
	tasks := make([]db.Task, 0, len(byID))
	for _, id := range taskIDs {
		if t, ok := byID[id]; ok {
			tasks = append(tasks, t)
		}
	}
	reqs, err := repository.Requirements(ctx, s, tasks)
	if err != nil {
		return db.Search{}, false, err
	}
	for _, f := range found {
		if req, ok := reqs[f.TaskID]; ok && req.Fits(available) {
			return f, true, nil
		}
	}
	return db.Search{}, false, nil
}
