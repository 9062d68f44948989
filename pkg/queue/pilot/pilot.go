// Package pilot keeps track of worker processes pulling tasks from queues.
package pilot

import (
	"context"
	"strconv"
	"time"

	"github.com/opst/gridqueue/pkg/conn/store"
	"github.com/opst/gridqueue/pkg/db"
	"github.com/opst/gridqueue/pkg/db/repository"
	"github.com/opst/gridqueue/pkg/ids"
	"github.com/opst/gridqueue/pkg/metrics"
	"github.com/opst/gridqueue/pkg/resources"
	"github.com/sirupsen/logrus"
)

// Descriptor describes a batch of pilots submitted together.
type Descriptor struct {
	// GridQueueID is the base id in the grid. Each pilot gets "<GridQueueID>.<i>".
	GridQueueID string `json:"grid_queue_id"`

	SubmitDir string              `json:"submit_dir"`
	Resources resources.Resources `json:"resources"`

	// Count is the number of pilots. Less than 1 means 1.
	Count int `json:"num"`
}

type Allocator struct {
	db    *store.Database
	log   logrus.FieldLogger
	clock func() time.Time
}

type Option func(*Allocator) *Allocator

func WithLogger(log logrus.FieldLogger) Option {
	return func(a *Allocator) *Allocator {
		a.log = log
		return a
	}
}

func WithClock(clock func() time.Time) Option {
	return func(a *Allocator) *Allocator {
		a.clock = clock
		return a
	}
}

func New(d *store.Database, options ...Option) *Allocator {
	a := &Allocator{db: d, log: logrus.StandardLogger(), clock: time.Now}
	for _, opt := range options {
		a = opt(a)
	}
	return a
}

// AddPilot registers a batch of pilots and returns their ids in batch order.
func (a *Allocator) AddPilot(ctx context.Context, desc Descriptor) ([]string, error) {
	count := max(desc.Count, 1)
	res, err := desc.Resources.MarshalJSON()
	if err != nil {
		return nil, err
	}

	pilotIDs, err := store.Run(ctx, a.db, func(ctx context.Context, s *store.Session) ([]string, error) {
		pilotIDs, err := s.NewIDs(ctx, ids.Pilot, count)
		if err != nil {
			return nil, err
		}
		submitted := db.Timestamp(a.clock())
		pilots := make([]db.Pilot, count)
		for i, id := range pilotIDs {
			pilots[i] = db.Pilot{
				ID:          id,
				GridQueueID: desc.GridQueueID + "." + strconv.Itoa(i),
				SubmitTime:  submitted,
				SubmitDir:   desc.SubmitDir,
				Tasks:       db.NewIDSet(),
				Resources:   string(res),
			}
		}
		if err := repository.InsertPilots(ctx, s, pilots); err != nil {
			return nil, err
		}
		return pilotIDs, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ActivePilots.Add(float64(len(pilotIDs)))
	a.log.WithFields(logrus.Fields{"grid_queue_id": desc.GridQueueID, "pilots": len(pilotIDs)}).Info("pilots are added")
	return pilotIDs, nil
}

// AssignTask records that a pilot claimed a task.
//
// The task takes the grid queue id and the submit directory of the pilot.
func (a *Allocator) AssignTask(ctx context.Context, pilotID, taskID string) error {
	return a.db.Tx(ctx, func(ctx context.Context, s *store.Session) error {
		return Assign(ctx, s, pilotID, taskID)
	})
}

// Assign is AssignTask in the transaction of s.
func Assign(ctx context.Context, s *store.Session, pilotID, taskID string) error {
	p, err := repository.GetPilot(ctx, s, pilotID)
	if err != nil {
		return err
	}
	if err := repository.PlaceTask(ctx, s, taskID, p.GridQueueID, p.SubmitDir); err != nil {
		return err
	}
	return repository.SetPilotTasks(ctx, s, pilotID, p.Tasks.Add(taskID))
}

// DelPilots removes pilots. Tasks still processing under them are reset,
// counting an eviction.
//
// It returns the number of reset tasks.
func (a *Allocator) DelPilots(ctx context.Context, pilotIDs []string) (int64, error) {
	type deleted struct {
		pilots int64
		reset  int64
	}
	d, err := store.Run(ctx, a.db, func(ctx context.Context, s *store.Session) (deleted, error) {
		pilots, err := repository.GetPilots(ctx, s, pilotIDs)
		if err != nil {
			return deleted{}, err
		}
		taskIDs := []string{}
		for _, p := range pilots {
			taskIDs = append(taskIDs, p.Tasks...)
		}
		reset, err := repository.EvictTasks(ctx, s, taskIDs, a.clock())
		if err != nil {
			return deleted{}, err
		}
		n, err := repository.DeletePilots(ctx, s, pilotIDs)
		if err != nil {
			return deleted{}, err
		}
		return deleted{pilots: n, reset: reset}, nil
	})
	if err != nil {
		return 0, err
	}
	metrics.ActivePilots.Sub(float64(d.pilots))
	if d.reset != 0 {
		metrics.TaskTransitions.WithLabelValues(string(db.Reset)).Add(float64(d.reset))
		a.log.WithField("tasks", d.reset).Info("tasks of deleted pilots are reset")
	}
	return d.reset, nil
}

// GetPilots returns pilots by id, or all pilots when pilotIDs is nil.
func (a *Allocator) GetPilots(ctx context.Context, pilotIDs []string) ([]db.Pilot, error) {
	return store.Run(ctx, a.db, func(ctx context.Context, s *store.Session) ([]db.Pilot, error) {
		return repository.GetPilots(ctx, s, pilotIDs)
	})
}
