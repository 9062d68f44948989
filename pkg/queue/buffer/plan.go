package buffer

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/opst/gridqueue/pkg/conn/store"
	"github.com/opst/gridqueue/pkg/db"
	"github.com/opst/gridqueue/pkg/db/repository"
	xe "github.com/opst/gridqueue/pkg/errors"
	"github.com/opst/gridqueue/pkg/resources"
)

// taskPlan is how to materialize one task of every job of a dataset.
type taskPlan struct {
	name       string
	templateID string
	index      int

	// siblings are indexes of tasks of the same job depended on.
	siblings []int

	// external are tasks of other datasets depended on, taken from the job with the same index.
	external []externalRef

	requirements resources.Resources
}

type externalRef struct {
	dataset string
	name    string
}

// anonymous plans tasks named "0".."n-1" without dependencies nor requirements.
func anonymous(n int) []taskPlan {
	plans := make([]taskPlan, n)
	for i := range plans {
		plans[i] = taskPlan{name: strconv.Itoa(i), index: i, requirements: resources.Resources{}}
	}
	return plans
}

// compile resolves templates of ds into plans.
//
// It returns ErrUnresolvable when a dependency points nowhere.
func compile(ctx context.Context, s *store.Session, ds db.Dataset, templates []db.TaskTemplate) ([]taskPlan, error) {
	names := make([]string, len(templates))
	for i, t := range templates {
		names[i] = t.Name
	}

	// task names of other datasets, in index order.
	others := map[string][]string{}

	plans := make([]taskPlan, len(templates))
	for i, t := range templates {
		req, err := resources.ParseJSON([]byte(t.Requirements))
		if err != nil {
			return nil, xe.Wrap(fmt.Errorf("%w: requirements of %s: %w", db.ErrUnresolvable, t.Name, err))
		}
		p := taskPlan{name: t.Name, templateID: t.ID, index: i, requirements: req}

		for _, raw := range t.Depends {
			index, ref, err := db.Locate(raw, names, ds.ID)
			if err != nil {
				return nil, xe.Wrap(err)
			}
			if 0 <= index {
				if index == i {
					return nil, xe.Wrap(fmt.Errorf("%w: %s depends on itself", db.ErrUnresolvable, t.Name))
				}
				p.siblings = append(p.siblings, index)
				continue
			}

			otherNames, ok := others[ref.Dataset]
			if !ok {
				otherNames, err = taskNames(ctx, s, ref.Dataset)
				if err != nil {
					return nil, err
				}
				others[ref.Dataset] = otherNames
			}
			name, err := lookupName(ref, otherNames)
			if err != nil {
				return nil, err
			}
			p.external = append(p.external, externalRef{dataset: ref.Dataset, name: name})
		}
		plans[i] = p
	}
	return plans, nil
}

// taskNames returns names of tasks materialized for each job of a dataset.
func taskNames(ctx context.Context, s *store.Session, datasetID string) ([]string, error) {
	other, err := repository.GetDataset(ctx, s, datasetID)
	if errors.Is(err, db.ErrMissing) {
		return nil, xe.Wrap(fmt.Errorf("%w: dataset %s is not known", db.ErrUnresolvable, datasetID))
	} else if err != nil {
		return nil, err
	}
	templates, err := repository.GetTemplates(ctx, s, datasetID)
	if err != nil {
		return nil, err
	}
	if len(templates) != other.TasksPerJob() {
		names := make([]string, other.TasksPerJob())
		for i := range names {
			names[i] = strconv.Itoa(i)
		}
		return names, nil
	}
	names := make([]string, len(templates))
	for i, t := range templates {
		names[i] = t.Name
	}
	return names, nil
}

func lookupName(ref db.Reference, names []string) (string, error) {
	for _, n := range names {
		if n == ref.Target {
			return n, nil
		}
	}
	if i, ok := ref.Index(); ok && i < len(names) {
		return names[i], nil
	}
	return "", xe.Wrap(fmt.Errorf("%w: no task %s", db.ErrUnresolvable, ref))
}
