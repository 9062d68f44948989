// Package priority weighs datasets against each other for task selection.
package priority

import (
	"math"

	"github.com/opst/gridqueue/pkg/db"
	"github.com/opst/gridqueue/pkg/ids"
	"github.com/sirupsen/logrus"
)

// Factors scale the terms of a dataset priority.
type Factors struct {
	// Priority scales the user given priority of datasets (0 to 100).
	Priority float64 `yaml:"priority" json:"priority"`

	// Dataset scales the penalty for later datasets.
	Dataset float64 `yaml:"dataset" json:"dataset"`

	// Tasks scales the penalty for datasets with many tasks.
	Tasks float64 `yaml:"tasks" json:"tasks"`
}

// DefaultFactors weighs each term equally.
func DefaultFactors() Factors {
	return Factors{Priority: 1, Dataset: 1, Tasks: 1}
}

// Of is the raw, unnormalized priority of a dataset. It is never negative.
func Of(ds db.Dataset, f Factors, log logrus.FieldLogger) float64 {
	p := ds.Priority
	if p < 0 || p > 100 {
		log.WithField("dataset", ds.ID).Warn("dataset priority is out of range. 0 is used")
		p = 0
	}

	prio := f.Priority/10*p - f.Dataset/10000*float64(number(ds.ID))
	if ds.TasksSubmitted >= 1 {
		prio -= f.Tasks / 10 * math.Log10(float64(ds.TasksSubmitted))
	}
	if prio < 0 {
		return 0
	}
	return prio
}

// number is the sequence number of a dataset in its site.
func number(datasetID string) uint64 {
	_, local, err := ids.Split(datasetID)
	if err != nil {
		return 0
	}
	return local
}

// Compute returns weights of datasets by id. Weights sum to 1.
//
// When no dataset has a positive priority, all get the same weight.
func Compute(datasets []db.Dataset, f Factors, log logrus.FieldLogger) map[string]float64 {
	weights := make(map[string]float64, len(datasets))
	if len(datasets) == 0 {
		return weights
	}

	total := 0.0
	for _, ds := range datasets {
		w := Of(ds, f, log)
		weights[ds.ID] = w
		total += w
	}

	if total <= 0 {
		for id := range weights {
			weights[id] = 1 / float64(len(weights))
		}
		return weights
	}
	for id := range weights {
		weights[id] /= total
	}
	return weights
}
