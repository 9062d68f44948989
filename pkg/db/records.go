package db

import (
	"encoding/json"
	"time"
)

// Records of the relations. Field tags name the columns.

type Dataset struct {
	ID             string        `sql:"dataset_id" json:"dataset_id"`
	Name           string        `sql:"name" json:"name"`
	Description    string        `sql:"description" json:"description"`
	Status         DatasetStatus `sql:"status" json:"status"`
	Gridspec       Gridspec      `sql:"gridspec" json:"gridspec"`
	JobsSubmitted  int           `sql:"jobs_submitted" json:"jobs_submitted"`
	TasksSubmitted int           `sql:"tasks_submitted" json:"tasks_submitted"`
	Priority       float64       `sql:"priority" json:"priority"`
	Debug          bool          `sql:"debug" json:"debug"`

	// Config is the submitted configuration document, JSON.
	Config string `sql:"config,json" json:"-"`

	StartDate string `sql:"start_date" json:"start_date"`
	EndDate   string `sql:"end_date" json:"end_date"`
}

// TasksPerJob is tasks_submitted / jobs_submitted, rounded down.
//
// Remainder tasks of an uneven schedule are never buffered.
func (d Dataset) TasksPerJob() int {
	if d.JobsSubmitted <= 0 {
		return 0
	}
	return d.TasksSubmitted / d.JobsSubmitted
}

type TaskTemplate struct {
	ID        string     `sql:"task_template_id" json:"task_template_id"`
	DatasetID string     `sql:"dataset_id" json:"dataset_id"`
	TaskIndex int        `sql:"task_index" json:"task_index"`
	Name      string     `sql:"name" json:"name"`
	Depends   References `sql:"depends" json:"depends"`

	// Requirements is a JSON object of resource requirements.
	Requirements string `sql:"requirements,json" json:"requirements"`
}

type Job struct {
	ID            string    `sql:"job_id" json:"job_id"`
	DatasetID     string    `sql:"dataset_id" json:"dataset_id"`
	JobIndex      int       `sql:"job_index" json:"job_index"`
	Status        JobStatus `sql:"status" json:"status"`
	StatusChanged string    `sql:"status_changed" json:"status_changed"`
}

type Task struct {
	ID            string     `sql:"task_id" json:"task_id"`
	Status        TaskStatus `sql:"status" json:"status"`
	PrevStatus    TaskStatus `sql:"prev_status" json:"prev_status"`
	StatusChanged string     `sql:"status_changed" json:"status_changed"`
	ErrorMessage  string     `sql:"error_message" json:"error_message"`
	Failures      int        `sql:"failures" json:"failures"`
	Evictions     int        `sql:"evictions" json:"evictions"`
	Depends       IDSet      `sql:"depends" json:"depends"`

	// TemplateID is empty for anonymous tasks.
	TemplateID   string  `sql:"task_template_id" json:"task_template_id"`
	TaskIndex    int     `sql:"task_index" json:"task_index"`
	SubmitDir    string  `sql:"submit_dir" json:"submit_dir"`
	GridQueueID  string  `sql:"grid_queue_id" json:"grid_queue_id"`
	Walltime     float64 `sql:"walltime" json:"walltime"`
	WalltimeErr  float64 `sql:"walltime_err" json:"walltime_err"`
	WalltimeErrN int     `sql:"walltime_err_n" json:"walltime_err_n"`

	// Stats is the last reported statistics, JSON.
	Stats string `sql:"stats,json" json:"stats"`
}

// Search is the denormalized index row of a task.
type Search struct {
	TaskID     string     `sql:"task_id" json:"task_id"`
	JobID      string     `sql:"job_id" json:"job_id"`
	DatasetID  string     `sql:"dataset_id" json:"dataset_id"`
	Gridspec   string     `sql:"gridspec" json:"gridspec"`
	Name       string     `sql:"name" json:"name"`
	TaskStatus TaskStatus `sql:"task_status" json:"task_status"`
}

type Pilot struct {
	ID          string `sql:"pilot_id" json:"pilot_id"`
	GridQueueID string `sql:"grid_queue_id" json:"grid_queue_id"`
	SubmitTime  string `sql:"submit_time" json:"submit_time"`
	SubmitDir   string `sql:"submit_dir" json:"submit_dir"`
	Tasks       IDSet  `sql:"tasks" json:"tasks"`

	// Resources is a JSON object of the resources the pilot offers.
	Resources string `sql:"resources,json" json:"resources"`
}

// TaskLookup caches flattened requirements of a task.
type TaskLookup struct {
	TaskID       string `sql:"task_id" json:"task_id"`
	Requirements string `sql:"requirements,json" json:"requirements"`
}

// Timestamp formats t as stored in the tables.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// RawJSON returns s as a JSON argument, or fallback when s is empty.
func RawJSON(s string, fallback string) json.RawMessage {
	if s == "" {
		return json.RawMessage(fallback)
	}
	return json.RawMessage(s)
}
