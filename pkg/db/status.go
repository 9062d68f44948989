package db

import "fmt"

// TaskStatus is the status of a task.
type TaskStatus string

const (
	// The task is declared in a template but not buffered.
	Idle TaskStatus = "idle"

	// The task is buffered and waits for selection.
	Waiting TaskStatus = "waiting"

	// The task is selected and waits for a pilot.
	Queued TaskStatus = "queued"

	// A pilot claimed the task.
	Processing TaskStatus = "processing"

	// The task errored and will be selected again.
	Reset TaskStatus = "reset"

	// The task was resumed from suspended or failed and will be selected again.
	Resume TaskStatus = "resume"

	// The task is held until an explicit resume.
	Suspended TaskStatus = "suspended"

	// The task errored too many times.
	Failed TaskStatus = "failed"

	// The task finished successfully.
	Complete TaskStatus = "complete"
)

func (s TaskStatus) String() string {
	return string(s)
}

func AsTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case Idle, Waiting, Queued, Processing, Reset, Resume, Suspended, Failed, Complete:
		return TaskStatus(s), nil
	default:
		return "", fmt.Errorf("%w: '%s' is not a task status", ErrInvalidStatus, s)
	}
}

// Selectable statuses are candidates of task selection.
func SelectableStatuses() []TaskStatus {
	return []TaskStatus{Waiting, Reset, Resume}
}

// Active statuses keep a job or a dataset from being settled.
func ActiveStatuses() []TaskStatus {
	return []TaskStatus{Waiting, Queued, Processing, Resume, Reset}
}

// Running statuses are of tasks handed to pilots.
func RunningStatuses() []TaskStatus {
	return []TaskStatus{Queued, Processing}
}

func (s TaskStatus) Selectable() bool {
	switch s {
	case Waiting, Reset, Resume:
		return true
	default:
		return false
	}
}

func (s TaskStatus) Active() bool {
	switch s {
	case Waiting, Queued, Processing, Resume, Reset:
		return true
	default:
		return false
	}
}

func (s TaskStatus) Running() bool {
	return s == Queued || s == Processing
}

var transitions = map[TaskStatus]map[TaskStatus]struct{}{
	Idle:       {Waiting: {}},
	Waiting:    {Queued: {}, Suspended: {}},
	Queued:     {Processing: {}, Reset: {}, Failed: {}, Suspended: {}},
	Processing: {Processing: {}, Complete: {}, Reset: {}, Failed: {}, Suspended: {}},
	Reset:      {Queued: {}, Suspended: {}},
	Resume:     {Queued: {}, Suspended: {}},
	Suspended:  {Resume: {}},
	Failed:     {Resume: {}},
	Complete:   {},
}

// CanTransit reports whether a task may move from one status to another
// by scheduling and pilot reports. Administrative updates are not bound by it.
func CanTransit(from, to TaskStatus) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// SourcesOf lists the statuses which can move to `to`.
func SourcesOf(to TaskStatus) []TaskStatus {
	sources := []TaskStatus{}
	for _, from := range []TaskStatus{Idle, Waiting, Queued, Processing, Reset, Resume, Suspended, Failed, Complete} {
		if CanTransit(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}

// DatasetStatus is the status of a dataset. Jobs share the same statuses.
type DatasetStatus string

const (
	DatasetProcessing DatasetStatus = "processing"
	DatasetSuspended  DatasetStatus = "suspended"
	DatasetErrors     DatasetStatus = "errors"
	DatasetComplete   DatasetStatus = "complete"
)

func (s DatasetStatus) String() string {
	return string(s)
}

func AsDatasetStatus(s string) (DatasetStatus, error) {
	switch DatasetStatus(s) {
	case DatasetProcessing, DatasetSuspended, DatasetErrors, DatasetComplete:
		return DatasetStatus(s), nil
	default:
		return "", fmt.Errorf("%w: '%s' is not a dataset status", ErrInvalidStatus, s)
	}
}

// JobStatus is the status of a job.
type JobStatus = DatasetStatus

// Settle decides the status of a group of tasks none of which is active.
//
// All complete gives complete. Only complete and failed give errors.
// Only complete, failed and suspended give suspended.
// Otherwise (ok == false) the status cannot be decided.
func Settle(statuses []TaskStatus) (settled DatasetStatus, ok bool) {
	seen := map[TaskStatus]bool{}
	for _, s := range statuses {
		seen[s] = true
	}
	only := func(allowed ...TaskStatus) bool {
		rest := len(seen)
		for _, a := range allowed {
			if seen[a] {
				rest -= 1
			}
		}
		return rest == 0
	}

	switch {
	case len(seen) == 0:
		return "", false
	case only(Complete):
		return DatasetComplete, true
	case only(Complete, Failed):
		return DatasetErrors, true
	case only(Complete, Failed, Suspended):
		return DatasetSuspended, true
	default:
		return "", false
	}
}
