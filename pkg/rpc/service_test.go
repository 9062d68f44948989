package rpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/opst/gridqueue/internal/testenv"
	"github.com/opst/gridqueue/pkg/conn/store"
	"github.com/opst/gridqueue/pkg/db"
	"github.com/opst/gridqueue/pkg/db/repository"
	"github.com/opst/gridqueue/pkg/queue/pilot"
	"github.com/opst/gridqueue/pkg/resources"
	"github.com/opst/gridqueue/pkg/rpc"
	"github.com/opst/gridqueue/pkg/utils/try"
	"github.com/sirupsen/logrus/hooks/test"
)

var now = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

func newService(d *store.Database, options ...rpc.Option) *rpc.Service {
	log, _ := test.NewNullLogger()
	return rpc.New(d, append(
		[]rpc.Option{rpc.WithLogger(log), rpc.WithClock(func() time.Time { return now })},
		options...,
	)...)
}

const twoTasks = `{
	"tasks": [
		{"name": "A", "requirements": {"cpu": 1}},
		{"name": "B", "depends": ["A"], "requirements": {"cpu": 2, "memory": "1Gi"}}
	],
	"steering": {"parameters": {"seed": 42}}
}`

func TestService_SubmitDataset(t *testing.T) {
	t.Run("a valid submission registers a dataset with templates", func(t *testing.T) {
		d := testenv.Open(t)
		ctx := testenv.Context(t)
		testee := newService(d)

		datasetID := try.To(testee.SubmitDataset(ctx, rpc.SubmitRequest{
			Config:      json.RawMessage(twoTasks),
			Name:        "sim",
			Description: "a simulation",
			Gridspec:    db.PlainGridspec("grid1"),
			NJobs:       3,
			Priority:    5,
		})).OrFatal(t)

		var (
			name, status, gridspec, startDate string
			jobs, tasks                       int
		)
		found := try.To(store.Run(ctx, d, func(ctx context.Context, s *store.Session) (bool, error) {
			rows, err := s.Read(ctx,
				"select name, status, gridspec, jobs_submitted, tasks_submitted, start_date from dataset where dataset_id = ?",
				datasetID,
			)
			if err != nil {
				return false, err
			}
			defer rows.Close()
			if !rows.Next() {
				return false, nil
			}
			return true, rows.Scan(&name, &status, &gridspec, &jobs, &tasks, &startDate)
		})).OrFatal(t)
		if !found {
			t.Fatalf("dataset %s is not stored", datasetID)
		}
		if name != "sim" || status != string(db.DatasetProcessing) || gridspec != "grid1" {
			t.Errorf("(name, status, gridspec) = (%s, %s, %s)", name, status, gridspec)
		}
		if jobs != 3 || tasks != 6 || startDate != db.Timestamp(now) {
			t.Errorf("(jobs, tasks, start) = (%d, %d, %s)", jobs, tasks, startDate)
		}

		templates := try.To(store.Run(ctx, d, func(ctx context.Context, s *store.Session) ([]db.TaskTemplate, error) {
			return repository.GetTemplates(ctx, s, datasetID)
		})).OrFatal(t)
		if len(templates) != 2 || templates[0].Name != "A" || templates[1].Name != "B" {
			t.Fatalf("templates = %+v", templates)
		}
		if len(templates[1].Depends) != 1 || templates[1].Depends[0] != "A" {
			t.Errorf("depends of B = %v", templates[1].Depends)
		}
		req := try.To(resources.ParseJSON([]byte(templates[1].Requirements))).OrFatal(t)
		if req["cpu"] != 2 || req["memory"] != 1024*1024*1024 {
			t.Errorf("requirements of B = %v", req)
		}
	})

	t.Run("a dependency on an existing dataset is accepted", func(t *testing.T) {
		d := testenv.Open(t)
		ctx := testenv.Context(t)
		testee := newService(d)
		first := try.To(testee.SubmitDataset(ctx, rpc.SubmitRequest{
			Config: json.RawMessage(twoTasks), Gridspec: db.PlainGridspec("grid1"), NJobs: 1,
		})).OrFatal(t)

		_, err := testee.SubmitDataset(ctx, rpc.SubmitRequest{
			Config:   json.RawMessage(`{"tasks": [{"name": "C", "depends": ["` + first + `.B"]}]}`),
			Gridspec: db.PlainGridspec("grid1"),
			NJobs:    1,
		})
		if err != nil {
			t.Fatal(err)
		}
	})

	type When struct {
		config string
		njobs  int
		grid   db.Gridspec
	}
	theory := func(when When) func(*testing.T) {
		return func(t *testing.T) {
			d := testenv.Open(t)
			ctx := testenv.Context(t)
			_, err := newService(d).SubmitDataset(ctx, rpc.SubmitRequest{
				Config: json.RawMessage(when.config), Gridspec: when.grid, NJobs: when.njobs,
			})
			if !errors.Is(err, db.ErrInvalidConfig) {
				t.Fatalf("unexpected error: %v", err)
			}

			n := try.To(store.Run(ctx, d, func(ctx context.Context, s *store.Session) ([]db.Dataset, error) {
				return repository.FindDatasets(ctx, s, db.DatasetProcessing)
			})).OrFatal(t)
			if len(n) != 0 {
				t.Errorf("rejected dataset is stored: %+v", n)
			}
		}
	}
	grid1 := db.PlainGridspec("grid1")

	t.Run("no jobs is rejected", theory(When{config: twoTasks, njobs: 0, grid: grid1}))
	t.Run("no gridspec is rejected", theory(When{config: twoTasks, njobs: 1}))
	t.Run("a broken document is rejected", theory(When{config: `{"tasks": 1}`, njobs: 1, grid: grid1}))
	t.Run("no tasks is rejected", theory(When{config: `{"tasks": []}`, njobs: 1, grid: grid1}))
	t.Run("an unnamed task is rejected", theory(When{config: `{"tasks": [{"name": " "}]}`, njobs: 1, grid: grid1}))
	t.Run("duplicated names are rejected", theory(When{
		config: `{"tasks": [{"name": "A"}, {"name": "A"}]}`, njobs: 1, grid: grid1,
	}))
	t.Run("an unknown dependency is rejected", theory(When{
		config: `{"tasks": [{"name": "A", "depends": ["Z"]}]}`, njobs: 1, grid: grid1,
	}))
	t.Run("an index out of range is rejected", theory(When{
		config: `{"tasks": [{"name": "A", "depends": ["3"]}]}`, njobs: 1, grid: grid1,
	}))
	t.Run("a self dependency is rejected", theory(When{
		config: `{"tasks": [{"name": "A", "depends": ["A"]}]}`, njobs: 1, grid: grid1,
	}))
	t.Run("a cycle is rejected", theory(When{
		config: `{"tasks": [{"name": "A", "depends": ["C"]}, {"name": "B", "depends": ["A"]}, {"name": "C", "depends": ["1"]}]}`,
		njobs:  1, grid: grid1,
	}))
	t.Run("broken requirements are rejected", theory(When{
		config: `{"tasks": [{"name": "A", "requirements": {"memory": "lots"}}]}`, njobs: 1, grid: grid1,
	}))
	t.Run("a dependency on a missing dataset is rejected", theory(When{
		config: `{"tasks": [{"name": "A", "depends": ["zzz.B"]}]}`, njobs: 1, grid: grid1,
	}))
	t.Run("a gridspec mapping without some task is rejected", theory(When{
		config: twoTasks, njobs: 1, grid: db.MappedGridspec(map[string]string{"A": "grid1"}),
	}))
	t.Run("a gridspec mapping a task to nothing is rejected", theory(When{
		config: twoTasks, njobs: 1, grid: db.MappedGridspec(map[string]string{"A": "grid1", "B": " "}),
	}))

	t.Run("a gridspec mapping every task is accepted", func(t *testing.T) {
		d := testenv.Open(t)
		ctx := testenv.Context(t)
		_, err := newService(d).SubmitDataset(ctx, rpc.SubmitRequest{
			Config:   json.RawMessage(twoTasks),
			Gridspec: db.MappedGridspec(map[string]string{"A": "grid1", "B": "grid2"}),
			NJobs:    1,
		})
		if err != nil {
			t.Fatal(err)
		}
	})
}

func TestService_Flow(t *testing.T) {
	d := testenv.Open(t)
	ctx := testenv.Context(t)
	testee := newService(d, rpc.WithMaxResets(2))

	datasetID := try.To(testee.SubmitDataset(ctx, rpc.SubmitRequest{
		Config: json.RawMessage(twoTasks), Gridspec: db.PlainGridspec("grid1"), NJobs: 2,
	})).OrFatal(t)

	buffered := try.To(testee.QueueBufferJobsTasks(ctx, []string{"grid1"}, 10)).OrFatal(t)
	if buffered.Jobs != 2 || buffered.Tasks != 4 {
		t.Fatalf("buffered = %+v", buffered)
	}

	prios := try.To(testee.DatasetPriorities(ctx)).OrFatal(t)
	if len(prios) != 1 || prios[datasetID] != 1 {
		t.Errorf("priorities = %v", prios)
	}

	queued := try.To(testee.QueueGetQueueingTasks(ctx, nil, "grid1", 10, nil)).OrFatal(t)
	if len(queued) != 2 {
		t.Fatalf("queued = %+v", queued)
	}
	for _, q := range queued {
		if q.Search.Name != "A" {
			t.Errorf("queued %+v before its dependency", q.Search)
		}
	}

	pilots := try.To(testee.QueueAddPilot(ctx, pilot.Descriptor{GridQueueID: "100", SubmitDir: "/s", Count: 1})).OrFatal(t)

	t.Run("a pilot too small gets nothing", func(t *testing.T) {
		got := try.To(testee.NewTask(ctx, rpc.NewTaskRequest{
			Gridspec: "grid1", Resources: resources.Resources{"cpu": 0.5},
		})).OrFatal(t)
		if got != nil {
			t.Errorf("got %+v", got)
		}
	})

	first := try.To(testee.NewTask(ctx, rpc.NewTaskRequest{
		Gridspec: "grid1", Hostname: "node1", PilotID: pilots[0],
	})).OrFatal(t)
	if first == nil {
		t.Fatal("no task is handed")
	}
	if first.DatasetID != datasetID || first.Name != "A" {
		t.Errorf("first = %+v", first)
	}
	var doc map[string]any
	if err := json.Unmarshal(first.Config, &doc); err != nil || doc["steering"] == nil {
		t.Errorf("config = %s (%v)", first.Config, err)
	}
	if ok := try.To(testee.StillRunning(ctx, first.TaskID)).OrFatal(t); !ok {
		t.Error("claimed task is not running")
	}

	second := try.To(testee.NewTask(ctx, rpc.NewTaskRequest{Gridspec: "grid1"})).OrFatal(t)
	if second == nil || second.TaskID == first.TaskID || second.JobIndex == first.JobIndex {
		t.Fatalf("(first, second) = (%+v, %+v)", first, second)
	}
	if none := try.To(testee.NewTask(ctx, rpc.NewTaskRequest{Gridspec: "grid1"})).OrFatal(t); none != nil {
		t.Errorf("handed a task twice: %+v", none)
	}

	if err := testee.FinishTask(ctx, first.TaskID, map[string]any{"time_used": 10.0}); err != nil {
		t.Fatal(err)
	}
	status := try.To(testee.TaskError(ctx, second.TaskID, rpc.ErrorInfo{Message: "segfault", TimeUsed: 3})).OrFatal(t)
	if status != db.Reset {
		t.Errorf("status after first error = %s", status)
	}

	t.Run("a deleted pilot resets its running task", func(t *testing.T) {
		queued := try.To(testee.QueueGetQueueingTasks(ctx, nil, "grid1", 10, nil)).OrFatal(t)
		// the reset A of job 2, and B of job 1.
		if len(queued) != 2 {
			t.Fatalf("queued = %+v", queued)
		}
		p2 := try.To(testee.QueueAddPilot(ctx, pilot.Descriptor{GridQueueID: "101"})).OrFatal(t)
		got := try.To(testee.NewTask(ctx, rpc.NewTaskRequest{Gridspec: "grid1", PilotID: p2[0]})).OrFatal(t)
		if got == nil {
			t.Fatal("no task is handed")
		}
		if n := try.To(testee.QueueDelPilots(ctx, p2)).OrFatal(t); n != 1 {
			t.Errorf("reset = %d", n)
		}
		if ok := try.To(testee.StillRunning(ctx, got.TaskID)).OrFatal(t); ok {
			t.Error("evicted task is still running")
		}
	})

	t.Run("a claim for an unknown pilot leaves the task queued", func(t *testing.T) {
		try.To(testee.QueueGetQueueingTasks(ctx, nil, "grid1", 10, nil)).OrFatal(t)
		before := try.To(testee.QueueGetActiveTasks(ctx, "grid1")).OrFatal(t)
		if len(before[db.Queued]) == 0 {
			t.Fatalf("nothing is queued: %v", before)
		}

		if _, err := testee.NewTask(ctx, rpc.NewTaskRequest{Gridspec: "grid1", PilotID: "zzz"}); !errors.Is(err, db.ErrMissing) {
			t.Fatalf("unexpected error: %v", err)
		}
		after := try.To(testee.QueueGetActiveTasks(ctx, "grid1")).OrFatal(t)
		if len(after[db.Queued]) != len(before[db.Queued]) || len(after[db.Processing]) != len(before[db.Processing]) {
			t.Errorf("(before, after) = (%v, %v)", before, after)
		}
	})

	t.Run("unknown tasks are missing", func(t *testing.T) {
		if err := testee.FinishTask(ctx, "zzz", nil); !errors.Is(err, db.ErrMissing) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("new task without gridspec is an error", func(t *testing.T) {
		if _, err := testee.NewTask(ctx, rpc.NewTaskRequest{}); !errors.Is(err, db.ErrInvalidConfig) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}
