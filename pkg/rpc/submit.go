package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opst/gridqueue/pkg/conn/store"
	"github.com/opst/gridqueue/pkg/db"
	"github.com/opst/gridqueue/pkg/db/repository"
	xe "github.com/opst/gridqueue/pkg/errors"
	"github.com/opst/gridqueue/pkg/ids"
	"github.com/opst/gridqueue/pkg/resources"
	"github.com/sirupsen/logrus"
)

// SubmitRequest is a dataset submission.
type SubmitRequest struct {
	// Config is the configuration document of the dataset.
	//
	// It must be a JSON object with a non-empty "tasks" list.
	// Other members are kept as they are and handed to pilots with each task.
	Config json.RawMessage `json:"config"`

	Name        string      `json:"name"`
	Description string      `json:"description"`
	Gridspec    db.Gridspec `json:"gridspec"`

	// NJobs is the number of jobs. Each job runs every task of Config once.
	NJobs int `json:"njobs"`

	// Priority is between 0 and 100.
	Priority float64 `json:"priority"`
	Debug    bool    `json:"debug"`
}

// TaskDefinition is an item of "tasks" in a dataset configuration document.
type TaskDefinition struct {
	Name string `json:"name"`

	// Depends are references to other tasks: a name or an index of this
	// dataset, or "<dataset id>.<name or index>" of another dataset.
	Depends []string `json:"depends"`

	Requirements map[string]any `json:"requirements"`
}

type datasetDocument struct {
	Tasks []TaskDefinition `json:"tasks"`
}

func invalid(format string, args ...any) error {
	return xe.WrapAsOuter(fmt.Errorf("%w: "+format, append([]any{db.ErrInvalidConfig}, args...)...), 1)
}

// validate checks a submission without touching storage.
//
// References to other datasets are returned to be checked against storage.
func validate(req SubmitRequest) ([]TaskDefinition, []db.Reference, error) {
	if req.NJobs < 1 {
		return nil, nil, invalid("njobs should be 1 or more, but %d", req.NJobs)
	}
	if req.Gridspec.String() == "" {
		return nil, nil, invalid("gridspec is required")
	}

	var doc datasetDocument
	if err := json.Unmarshal(req.Config, &doc); err != nil {
		return nil, nil, invalid("config is not a document of tasks: %s", err)
	}
	if len(doc.Tasks) == 0 {
		return nil, nil, invalid("config has no tasks")
	}

	names := make([]string, len(doc.Tasks))
	seen := map[string]bool{}
	for i, t := range doc.Tasks {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, nil, invalid("task #%d has no name", i)
		}
		if seen[name] {
			return nil, nil, invalid("task name %q is duplicated", name)
		}
		seen[name] = true
		names[i] = name
		if req.Gridspec.Mapped() && strings.TrimSpace(req.Gridspec.For(name)) == "" {
			return nil, nil, invalid("gridspec maps no queue for task %s", name)
		}
	}

	external := []db.Reference{}
	edges := make([][]int, len(doc.Tasks))
	for i, t := range doc.Tasks {
		for _, raw := range t.Depends {
			index, ref, err := db.Locate(raw, names, "")
			if err != nil {
				return nil, nil, invalid("task %s: %s", names[i], err)
			}
			if index < 0 {
				external = append(external, ref)
				continue
			}
			edges[i] = append(edges[i], index)
		}
		if _, err := resources.Parse(t.Requirements); err != nil {
			return nil, nil, invalid("task %s: requirements: %s", names[i], err)
		}
	}

	if cycle := findCycle(edges); cycle != nil {
		path := make([]string, len(cycle))
		for i, c := range cycle {
			path[i] = names[c]
		}
		return nil, nil, invalid("dependencies are cyclic: %s", strings.Join(path, " -> "))
	}

	for i := range doc.Tasks {
		doc.Tasks[i].Name = names[i]
	}
	return doc.Tasks, external, nil
}

// findCycle returns task indexes on a dependency cycle, or nil when acyclic.
func findCycle(edges [][]int) []int {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(edges))
	stack := []int{}

	var visit func(int) []int
	visit = func(n int) []int {
		state[n] = visiting
		stack = append(stack, n)
		for _, m := range edges[n] {
			switch state[m] {
			case visiting:
				for i, s := range stack {
					if s == m {
						return append(append([]int{}, stack[i:]...), m)
					}
				}
			case unvisited:
				if c := visit(m); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return nil
	}

	for n := range edges {
		if state[n] == unvisited {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}

// SubmitDataset validates and registers a dataset. It returns the new dataset id.
func (s *Service) SubmitDataset(ctx context.Context, req SubmitRequest) (string, error) {
	tasks, external, err := validate(req)
	if err != nil {
		return "", err
	}

	datasetID, err := store.Run(ctx, s.db, func(ctx context.Context, sess *store.Session) (string, error) {
		for _, ref := range external {
			if _, err := repository.GetDataset(ctx, sess, ref.Dataset); err != nil {
				if errors.Is(err, db.ErrMissing) {
					return "", invalid("depended dataset %s is not found", ref.Dataset)
				}
				return "", err
			}
		}

		datasetID, err := sess.NewID(ctx, ids.Dataset)
		if err != nil {
			return "", err
		}
		templateIDs, err := sess.NewIDs(ctx, ids.TaskTemplate, len(tasks))
		if err != nil {
			return "", err
		}

		templates := make([]db.TaskTemplate, len(tasks))
		for i, t := range tasks {
			req, err := json.Marshal(t.Requirements)
			if err != nil {
				return "", xe.Wrap(err)
			}
			templates[i] = db.TaskTemplate{
				ID:           templateIDs[i],
				DatasetID:    datasetID,
				TaskIndex:    i,
				Name:         t.Name,
				Depends:      db.References(t.Depends),
				Requirements: string(req),
			}
		}

		ds := db.Dataset{
			ID:             datasetID,
			Name:           req.Name,
			Description:    req.Description,
			Status:         db.DatasetProcessing,
			Gridspec:       req.Gridspec,
			JobsSubmitted:  req.NJobs,
			TasksSubmitted: req.NJobs * len(tasks),
			Priority:       req.Priority,
			Debug:          req.Debug,
			Config:         string(req.Config),
			StartDate:      db.Timestamp(s.clock()),
		}
		if err := repository.InsertDataset(ctx, sess, ds, templates); err != nil {
			return "", err
		}
		return datasetID, nil
	})
	if err != nil {
		return "", err
	}

	s.log.WithFields(logrus.Fields{
		"dataset": datasetID, "jobs": req.NJobs, "tasks": len(tasks),
	}).Info("dataset is submitted")
	return datasetID, nil
}
