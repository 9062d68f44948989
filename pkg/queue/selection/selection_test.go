package selection_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/opst/gridqueue/internal/testenv"
	"github.com/opst/gridqueue/pkg/conn/store"
	"github.com/opst/gridqueue/pkg/db"
	"github.com/opst/gridqueue/pkg/db/repository"
	"github.com/opst/gridqueue/pkg/queue/buffer"
	"github.com/opst/gridqueue/pkg/queue/selection"
	"github.com/opst/gridqueue/pkg/resources"
	"github.com/opst/gridqueue/pkg/utils/try"
	"github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/sync/errgroup"
)

type submission struct {
	ds        db.Dataset
	templates []db.TaskTemplate
}

// prepare submits datasets and buffers all of their tasks.
func prepare(t *testing.T, d *store.Database, datasets ...submission) {
	t.Helper()
	ctx := testenv.Context(t)
	total := 0
	err := d.Tx(ctx, func(ctx context.Context, s *store.Session) error {
		for _, sub := range datasets {
			ds, templates := sub.ds, sub.templates
			ds.Status = db.DatasetProcessing
			for i := range templates {
				templates[i].ID = ds.ID + "-" + templates[i].Name
				templates[i].DatasetID = ds.ID
				templates[i].TaskIndex = i
			}
			if err := repository.InsertDataset(ctx, s, ds, templates); err != nil {
				return err
			}
			total += ds.TasksSubmitted
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	log, _ := test.NewNullLogger()
	got := try.To(buffer.New(d, buffer.WithLogger(log)).BufferJobsTasks(ctx, nil, total)).OrFatal(t)
	if got.Tasks != total {
		t.Fatalf("buffered %d of %d tasks", got.Tasks, total)
	}
}

func newEngine(d *store.Database) *selection.Engine {
	log, _ := test.NewNullLogger()
	return selection.New(d, selection.WithLogger(log))
}

func names(queued map[string]selection.QueuedTask) []string {
	out := []string{}
	for _, q := range queued {
		out = append(out, q.Search.DatasetID+"/"+q.Search.Name)
	}
	sort.Strings(out)
	return out
}

func complete(t *testing.T, d *store.Database, queued map[string]selection.QueuedTask) {
	t.Helper()
	taskIDs := []string{}
	for id := range queued {
		taskIDs = append(taskIDs, id)
	}
	_, err := store.Run(testenv.Context(t), d, func(ctx context.Context, s *store.Session) (int64, error) {
		return repository.TransitTasks(ctx, s, taskIDs, db.Complete, nil, time.Now())
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestGetQueueingTasks(t *testing.T) {
	t.Run("d1: dependent tasks wait for their dependencies to complete", func(t *testing.T) {
		d := testenv.Open(t)
		ctx := testenv.Context(t)
		prepare(
			t, d,
			submission{db.Dataset{ID: "d1", Gridspec: db.PlainGridspec("grid1"), JobsSubmitted: 2, TasksSubmitted: 4}, []db.TaskTemplate{
				{Name: "A"}, {Name: "B", Depends: db.References{"A"}},
			}},
		)
		testee := newEngine(d)

		first := try.To(testee.GetQueueingTasks(ctx, map[string]float64{"d1": 1}, "grid1", 10, nil)).OrFatal(t)
		if got := names(first); len(got) != 2 || got[0] != "d1/A" || got[1] != "d1/A" {
			t.Fatalf("first = %v", got)
		}
		for id, q := range first {
			if q.Task.Status != db.Queued || q.Search.TaskStatus != db.Queued || q.JobsSubmitted != 2 {
				t.Errorf("%s = %+v", id, q)
			}
		}
		jobIndexes := []int{}
		for _, q := range first {
			jobIndexes = append(jobIndexes, q.JobIndex)
		}
		sort.Ints(jobIndexes)
		if jobIndexes[0] != 0 || jobIndexes[1] != 1 {
			t.Errorf("job indexes = %v", jobIndexes)
		}

		none := try.To(testee.GetQueueingTasks(ctx, map[string]float64{"d1": 1}, "grid1", 10, nil)).OrFatal(t)
		if len(none) != 0 {
			t.Fatalf("B is selected before A completes: %v", names(none))
		}

		complete(t, d, first)
		second := try.To(testee.GetQueueingTasks(ctx, map[string]float64{"d1": 1}, "grid1", 10, nil)).OrFatal(t)
		if got := names(second); len(got) != 2 || got[0] != "d1/B" || got[1] != "d1/B" {
			t.Fatalf("second = %v", got)
		}
		for _, q := range second {
			if q.Task.Depends.Empty() {
				t.Errorf("B has no dependency: %+v", q.Task)
			}
		}
	})

	t.Run("weights 0.8 and 0.2 with quota 10 take 8 and 2, the same way every time", func(t *testing.T) {
		run := func() []string {
			d := testenv.Open(t)
			prepare(
				t, d,
				submission{db.Dataset{ID: "heavy", Gridspec: db.PlainGridspec("grid1"), JobsSubmitted: 20, TasksSubmitted: 20}, []db.TaskTemplate{{Name: "A"}}},
				submission{db.Dataset{ID: "light", Gridspec: db.PlainGridspec("grid1"), JobsSubmitted: 20, TasksSubmitted: 20}, []db.TaskTemplate{{Name: "A"}}},
			)
			got := try.To(newEngine(d).GetQueueingTasks(
				testenv.Context(t), map[string]float64{"heavy": 0.8, "light": 0.2}, "grid1", 10, nil,
			)).OrFatal(t)

			count := map[string]int{}
			jobs := []string{}
			for id, q := range got {
				count[q.Search.DatasetID] += 1
				jobs = append(jobs, q.Search.DatasetID+"#"+id)
			}
			if count["heavy"] != 8 || count["light"] != 2 {
				t.Errorf("count = %v", count)
			}
			sort.Strings(jobs)
			return jobs
		}

		a, b := run(), run()
		if len(a) != len(b) {
			t.Fatalf("(%v, %v)", a, b)
		}
		for i := range a {
			if a[i] != b[i] {
				t.Errorf("runs differ: %v vs %v", a, b)
				break
			}
		}
	})

	t.Run("rounded up shares are capped by the quota, in weight order", func(t *testing.T) {
		d := testenv.Open(t)
		prepare(
			t, d,
			submission{db.Dataset{ID: "a", Gridspec: db.PlainGridspec("grid1"), JobsSubmitted: 5, TasksSubmitted: 5}, []db.TaskTemplate{{Name: "A"}}},
			submission{db.Dataset{ID: "b", Gridspec: db.PlainGridspec("grid1"), JobsSubmitted: 5, TasksSubmitted: 5}, []db.TaskTemplate{{Name: "A"}}},
		)
		got := try.To(newEngine(d).GetQueueingTasks(
			testenv.Context(t), map[string]float64{"a": 0.5, "b": 0.5}, "grid1", 3, nil,
		)).OrFatal(t)

		count := map[string]int{}
		for _, q := range got {
			count[q.Search.DatasetID] += 1
		}
		if len(got) != 3 || count["a"] != 2 || count["b"] != 1 {
			t.Errorf("count = %v", count)
		}
	})

	t.Run("tasks of other gridspecs and unlisted datasets are left", func(t *testing.T) {
		d := testenv.Open(t)
		prepare(
			t, d,
			submission{
				db.Dataset{
					ID: "mapped", Gridspec: db.MappedGridspec(map[string]string{"A": "grid1", "B": "grid2"}),
					JobsSubmitted: 1, TasksSubmitted: 2,
				},
				[]db.TaskTemplate{{Name: "A"}, {Name: "B"}},
			},
			submission{db.Dataset{ID: "other", Gridspec: db.PlainGridspec("grid1"), JobsSubmitted: 1, TasksSubmitted: 1}, []db.TaskTemplate{{Name: "A"}}},
		)
		got := try.To(newEngine(d).GetQueueingTasks(
			testenv.Context(t), map[string]float64{"mapped": 1}, "grid2", 10, nil,
		)).OrFatal(t)
		if n := names(got); len(n) != 1 || n[0] != "mapped/B" {
			t.Errorf("got %v", n)
		}
	})

	t.Run("tasks not fitting in the resources are left", func(t *testing.T) {
		d := testenv.Open(t)
		ctx := testenv.Context(t)
		prepare(
			t, d,
			submission{db.Dataset{ID: "d1", Gridspec: db.PlainGridspec("grid1"), JobsSubmitted: 1, TasksSubmitted: 3}, []db.TaskTemplate{
				{Name: "small", Requirements: `{"cpu": 1}`},
				{Name: "large", Requirements: `{"cpu": 4}`},
				{Name: "gpu", Requirements: `{"gpu": 1}`},
			}},
		)
		// the cache is rebuilt from templates when lost.
		testenv.Exec(t, d, "delete from task_lookup")

		got := try.To(newEngine(d).GetQueueingTasks(
			ctx, map[string]float64{"d1": 1}, "grid1", 10, resources.Resources{"cpu": 2, "memory": 1000},
		)).OrFatal(t)
		if n := names(got); len(n) != 1 || n[0] != "d1/small" {
			t.Errorf("got %v", n)
		}
		for _, q := range got {
			if !q.Requirements.Equal(resources.Resources{"cpu": 1}) {
				t.Errorf("requirements = %v", q.Requirements)
			}
		}

		cached := try.To(store.Run(ctx, d, func(ctx context.Context, s *store.Session) (map[string]resources.Resources, error) {
			search, err := repository.FindSearch(ctx, s, repository.SearchFilter{})
			if err != nil {
				return nil, err
			}
			taskIDs := []string{}
			for _, sr := range search {
				taskIDs = append(taskIDs, sr.TaskID)
			}
			return repository.GetLookups(ctx, s, taskIDs)
		})).OrFatal(t)
		if len(cached) != 3 {
			t.Errorf("cache is not rebuilt: %v", cached)
		}
	})

	t.Run("concurrent callers never queue a task twice", func(t *testing.T) {
		d := testenv.Open(t)
		ctx := testenv.Context(t)
		prepare(
			t, d,
			submission{db.Dataset{ID: "d1", Gridspec: db.PlainGridspec("grid1"), JobsSubmitted: 20, TasksSubmitted: 20}, []db.TaskTemplate{{Name: "A"}}},
		)
		testee := newEngine(d)

		var mu sync.Mutex
		seen := map[string]int{}
		eg, ctx := errgroup.WithContext(ctx)
		for range 8 {
			eg.Go(func() error {
				got, err := testee.GetQueueingTasks(ctx, map[string]float64{"d1": 1}, "grid1", 3, nil)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				for id := range got {
					seen[id] += 1
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			t.Fatal(err)
		}
		if len(seen) != 20 {
			t.Errorf("queued %d tasks", len(seen))
		}
		for id, n := range seen {
			if n != 1 {
				t.Errorf("%s is queued %d times", id, n)
			}
		}
	})

	t.Run("no candidate is not an error", func(t *testing.T) {
		d := testenv.Open(t)
		got := try.To(newEngine(d).GetQueueingTasks(
			testenv.Context(t), map[string]float64{"nothing": 1}, "grid1", 10, nil,
		)).OrFatal(t)
		if got == nil || len(got) != 0 {
			t.Errorf("got %v", got)
		}
	})
}
