// Package rpc is the entry points of gridqueue, called by pilots, the
// submitter and the site scheduler.
//
// Every entry point returns a result or an error, never both.
package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opst/gridqueue/pkg/conn/store"
	"github.com/opst/gridqueue/pkg/db"
	"github.com/opst/gridqueue/pkg/db/repository"
	xe "github.com/opst/gridqueue/pkg/errors"
	"github.com/opst/gridqueue/pkg/queue/buffer"
	"github.com/opst/gridqueue/pkg/queue/lifecycle"
	"github.com/opst/gridqueue/pkg/queue/pilot"
	"github.com/opst/gridqueue/pkg/queue/priority"
	"github.com/opst/gridqueue/pkg/queue/selection"
	"github.com/opst/gridqueue/pkg/resources"
	"github.com/sirupsen/logrus"
)

type Service struct {
	db        *store.Database
	buffer    *buffer.Engine
	selection *selection.Engine
	lifecycle *lifecycle.Manager
	pilots    *pilot.Allocator
	factors   priority.Factors
	log       logrus.FieldLogger
	clock     func() time.Time

	maxResets int
	gridspecs []string
}

type Option func(*Service) *Service

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) *Service {
		s.log = log
		return s
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Service) *Service {
		s.clock = clock
		return s
	}
}

// WithMaxResets sets the number of errors after which a task fails.
func WithMaxResets(n int) Option {
	return func(s *Service) *Service {
		s.maxResets = n
		return s
	}
}

// WithLocalGridspecs names gridspecs served by this site. See buffer.WithLocalGridspecs.
func WithLocalGridspecs(gridspecs ...string) Option {
	return func(s *Service) *Service {
		s.gridspecs = gridspecs
		return s
	}
}

// WithPriorityFactors sets how datasets are weighed in QueueGetQueueingTasks.
func WithPriorityFactors(f priority.Factors) Option {
	return func(s *Service) *Service {
		s.factors = f
		return s
	}
}

func New(d *store.Database, options ...Option) *Service {
	s := &Service{
		db:        d,
		factors:   priority.DefaultFactors(),
		log:       logrus.StandardLogger(),
		clock:     time.Now,
		maxResets: lifecycle.DefaultMaxResets,
	}
	for _, opt := range options {
		s = opt(s)
	}

	s.buffer = buffer.New(
		d, buffer.WithLocalGridspecs(s.gridspecs...), buffer.WithLogger(s.log), buffer.WithClock(s.clock),
	)
	s.selection = selection.New(d, selection.WithLogger(s.log), selection.WithClock(s.clock))
	s.lifecycle = lifecycle.New(
		d, lifecycle.WithMaxResets(s.maxResets), lifecycle.WithLogger(s.log), lifecycle.WithClock(s.clock),
	)
	s.pilots = pilot.New(d, pilot.WithLogger(s.log), pilot.WithClock(s.clock))
	return s
}

// Lifecycle is the manager the service moves statuses with.
func (s *Service) Lifecycle() *lifecycle.Manager { return s.lifecycle }

// NewTaskRequest is what a pilot tells about itself when it asks for a task.
type NewTaskRequest struct {
	Gridspec string   `json:"gridspec"`
	Platform string   `json:"platform"`
	Hostname string   `json:"hostname"`
	Ifaces   []string `json:"ifaces"`

	// PilotID is the pilot claiming the task. Empty when unknown.
	PilotID string `json:"pilot_id"`

	// Resources are what the pilot can offer. nil means "not limited".
	Resources resources.Resources `json:"resources"`
}

// TaskConfig is a claimed task, with the configuration of its dataset.
type TaskConfig struct {
	TaskID    string `json:"task_id"`
	JobID     string `json:"job_id"`
	JobIndex  int    `json:"job_index"`
	DatasetID string `json:"dataset_id"`
	Name      string `json:"name"`
	Debug     bool   `json:"debug"`

	Config json.RawMessage `json:"config"`
}

// NewTask claims a queued task of the gridspec for a pilot.
//
// It returns nil when no task is queued.
func (s *Service) NewTask(ctx context.Context, req NewTaskRequest) (*TaskConfig, error) {
	if req.Gridspec == "" {
		return nil, xe.Errorf("%w: gridspec is not given", db.ErrInvalidConfig)
	}
	hooks := []lifecycle.ClaimHook{}
	if req.PilotID != "" {
		hooks = append(hooks, func(ctx context.Context, sess *store.Session, claimed db.Search) error {
			return pilot.Assign(ctx, sess, req.PilotID, claimed.TaskID)
		})
	}
	claimed, ok, err := s.lifecycle.ClaimNext(ctx, req.Gridspec, req.Resources, hooks...)
	if err != nil || !ok {
		return nil, err
	}
	log := s.log.WithFields(logrus.Fields{
		"task": claimed.TaskID, "gridspec": req.Gridspec, "pilot": req.PilotID,
		"hostname": req.Hostname, "platform": req.Platform, "ifaces": req.Ifaces,
	})

	type found struct {
		ds  db.Dataset
		job db.Job
	}
	f, err := store.Run(ctx, s.db, func(ctx context.Context, sess *store.Session) (found, error) {
		ds, err := repository.GetDataset(ctx, sess, claimed.DatasetID)
		if err != nil {
			return found{}, err
		}
		jobs, err := repository.GetJobs(ctx, sess, []string{claimed.JobID})
		if err != nil {
			return found{}, err
		}
		return found{ds: ds, job: jobs[claimed.JobID]}, nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("task is handed to a pilot")
	return &TaskConfig{
		TaskID:    claimed.TaskID,
		JobID:     claimed.JobID,
		JobIndex:  f.job.JobIndex,
		DatasetID: claimed.DatasetID,
		Name:      claimed.Name,
		Debug:     f.ds.Debug,
		Config:    db.RawJSON(f.ds.Config, "{}"),
	}, nil
}

// FinishTask completes a task with its statistics.
func (s *Service) FinishTask(ctx context.Context, taskID string, stats map[string]any) error {
	return s.lifecycle.Finish(ctx, taskID, stats)
}

// ErrorInfo is what a pilot reports about a failed task.
type ErrorInfo struct {
	Message string `json:"error_message"`

	// TimeUsed is seconds the failed attempt ran.
	TimeUsed float64 `json:"time_used"`
}

// TaskError records a failed attempt. It returns the status the task moved to.
func (s *Service) TaskError(ctx context.Context, taskID string, info ErrorInfo) (db.TaskStatus, error) {
	return s.lifecycle.Error(ctx, taskID, lifecycle.ErrorInfo{Message: info.Message, TimeUsed: info.TimeUsed})
}

// StillRunning tells whether a task should keep running.
func (s *Service) StillRunning(ctx context.Context, taskID string) (bool, error) {
	return s.lifecycle.StillRunning(ctx, taskID)
}

// QueueBufferJobsTasks materializes up to n tasks of datasets for gridspecs.
func (s *Service) QueueBufferJobsTasks(ctx context.Context, gridspecs []string, n int) (buffer.Result, error) {
	return s.buffer.BufferJobsTasks(ctx, gridspecs, n)
}

// QueueGetQueueingTasks promotes up to n tasks of gridspec to queued.
//
// When prios is nil, priorities of processing datasets are computed with the
// priority factors of the service.
func (s *Service) QueueGetQueueingTasks(
	ctx context.Context, prios map[string]float64, gridspec string, n int, available resources.Resources,
) (map[string]selection.QueuedTask, error) {
	if prios == nil {
		computed, err := s.DatasetPriorities(ctx)
		if err != nil {
			return nil, err
		}
		prios = computed
	}
	return s.selection.GetQueueingTasks(ctx, prios, gridspec, n, available)
}

// DatasetPriorities weighs processing datasets against each other.
func (s *Service) DatasetPriorities(ctx context.Context) (map[string]float64, error) {
	datasets, err := store.Run(ctx, s.db, func(ctx context.Context, sess *store.Session) ([]db.Dataset, error) {
		return repository.FindDatasets(ctx, sess, db.DatasetProcessing)
	})
	if err != nil {
		return nil, err
	}
	return priority.Compute(datasets, s.factors, s.log), nil
}

func (s *Service) QueueAddPilot(ctx context.Context, desc pilot.Descriptor) ([]string, error) {
	return s.pilots.AddPilot(ctx, desc)
}

// QueueDelPilots removes pilots and returns the number of tasks reset.
func (s *Service) QueueDelPilots(ctx context.Context, pilotIDs []string) (int64, error) {
	return s.pilots.DelPilots(ctx, pilotIDs)
}

func (s *Service) QueueGetPilots(ctx context.Context, pilotIDs []string) ([]db.Pilot, error) {
	return s.pilots.GetPilots(ctx, pilotIDs)
}

func (s *Service) QueueSetTaskStatus(ctx context.Context, taskIDs []string, status db.TaskStatus) (int64, error) {
	return s.lifecycle.SetTaskStatus(ctx, taskIDs, status)
}

func (s *Service) QueueResetTasks(ctx context.Context, reset []string, fail []string) error {
	return s.lifecycle.ResetTasks(ctx, reset, fail)
}

func (s *Service) QueueResumeTasks(ctx context.Context, taskIDs []string) (int64, error) {
	return s.lifecycle.Resume(ctx, taskIDs)
}

func (s *Service) QueueSetDatasetStatus(ctx context.Context, datasetIDs []string, status db.DatasetStatus) (int64, error) {
	return s.lifecycle.SetDatasetStatus(ctx, datasetIDs, status)
}

func (s *Service) QueueGetGridTasks(ctx context.Context, gridspec string) ([]lifecycle.GridTask, error) {
	return s.lifecycle.GetGridTasks(ctx, gridspec)
}

func (s *Service) QueueGetActiveTasks(ctx context.Context, gridspec string) (map[db.TaskStatus]map[string]db.Task, error) {
	return s.lifecycle.GetActiveTasks(ctx, gridspec)
}

// CronDatasetCompletion settles datasets whose tasks are all done.
func (s *Service) CronDatasetCompletion(ctx context.Context) (map[db.DatasetStatus][]string, error) {
	return s.lifecycle.CronDatasetCompletion(ctx)
}
