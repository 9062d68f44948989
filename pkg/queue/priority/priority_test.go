package priority_test

import (
	"math"
	"testing"

	"github.com/opst/gridqueue/pkg/db"
	"github.com/opst/gridqueue/pkg/queue/priority"
	"github.com/sirupsen/logrus/hooks/test"
)

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestOf(t *testing.T) {
	log, hook := test.NewNullLogger()

	type When struct {
		dataset db.Dataset
		factors priority.Factors
	}
	theory := func(when When, then float64) func(*testing.T) {
		return func(t *testing.T) {
			if got := priority.Of(when.dataset, when.factors, log); !near(got, then) {
				t.Errorf("Of(%+v) = %v, want %v", when.dataset, got, then)
			}
		}
	}

	t.Run("priority is scaled by a tenth", theory(
		When{dataset: db.Dataset{ID: "a", Priority: 5}, factors: priority.DefaultFactors()},
		0.5,
	))
	t.Run("later datasets are penalized", theory(
		When{dataset: db.Dataset{ID: "c", Priority: 5}, factors: priority.Factors{Priority: 1, Dataset: 1000}},
		0.5-0.2,
	))
	t.Run("datasets with many tasks are penalized", theory(
		When{dataset: db.Dataset{ID: "a", Priority: 5, TasksSubmitted: 100}, factors: priority.DefaultFactors()},
		0.5-0.2,
	))
	t.Run("a dataset without tasks has no task penalty", theory(
		When{dataset: db.Dataset{ID: "a", Priority: 5, TasksSubmitted: 0}, factors: priority.Factors{Priority: 1, Tasks: 100}},
		0.5,
	))
	t.Run("it is never negative", theory(
		When{dataset: db.Dataset{ID: "a", Priority: 0, TasksSubmitted: 1000}, factors: priority.DefaultFactors()},
		0,
	))

	t.Run("out of range priority counts as 0", func(t *testing.T) {
		hook.Reset()
		for _, p := range []float64{-1, 101} {
			got := priority.Of(db.Dataset{ID: "a", Priority: p}, priority.DefaultFactors(), log)
			if got != 0 {
				t.Errorf("Of(priority=%v) = %v", p, got)
			}
		}
		if len(hook.AllEntries()) != 2 {
			t.Errorf("warnings = %d", len(hook.AllEntries()))
		}
	})
}

func TestCompute(t *testing.T) {
	log, _ := test.NewNullLogger()
	onlyPriority := priority.Factors{Priority: 1}

	t.Run("weights are normalized", func(t *testing.T) {
		got := priority.Compute([]db.Dataset{
			{ID: "a", Priority: 8},
			{ID: "b", Priority: 2},
		}, onlyPriority, log)
		if !near(got["a"], 0.8) || !near(got["b"], 0.2) {
			t.Errorf("got %v", got)
		}
	})

	t.Run("datasets without priority share equally", func(t *testing.T) {
		got := priority.Compute([]db.Dataset{
			{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"},
		}, onlyPriority, log)
		for id, w := range got {
			if !near(w, 0.25) {
				t.Errorf("%s: %v", id, w)
			}
		}
		if len(got) != 4 {
			t.Errorf("got %v", got)
		}
	})

	t.Run("a zero priority dataset gets nothing while others have some", func(t *testing.T) {
		got := priority.Compute([]db.Dataset{
			{ID: "a", Priority: 3}, {ID: "b"},
		}, onlyPriority, log)
		if !near(got["a"], 1) || got["b"] != 0 {
			t.Errorf("got %v", got)
		}
	})

	t.Run("no datasets give no weights", func(t *testing.T) {
		if got := priority.Compute(nil, onlyPriority, log); len(got) != 0 {
			t.Errorf("got %v", got)
		}
	})
}
