package types

import (
	"time"
)

// RunStatus represents the current state of a workflow run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further run transitions occur.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// TaskStatus represents the state of a task within a run.
type TaskStatus string

const (
	TaskNotStarted TaskStatus = "not_started"
	TaskQueued     TaskStatus = "queued"
	TaskSubmitted  TaskStatus = "submitted"
	TaskRunning    TaskStatus = "running"
	TaskSucceeded  TaskStatus = "succeeded"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskSkipped    TaskStatus = "skipped"
)

// IsTerminal reports whether the task has finished, one way or another.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled, TaskSkipped:
		return true
	}
	return false
}

// Started reports whether the task has been handed to the cluster.
func (s TaskStatus) Started() bool {
	return s != TaskNotStarted && s != TaskQueued && s != TaskSkipped
}

// TaskRun is the runtime record bound to a Task during execution.
type TaskRun struct {
	Task        string     `json:"task"`
	Status      TaskStatus `json:"status"`
	JobID       string     `json:"job_id,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Run is a single execution of a workflow.
type Run struct {
	ID         string              `json:"id"`
	Workflow   string              `json:"workflow,omitempty"`
	Status     RunStatus           `json:"status"`
	Tasks      []string            `json:"tasks,omitempty"`
	TaskRuns   map[string]*TaskRun `json:"task_runs,omitempty"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Error      string              `json:"error,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// RunMeta is a lightweight representation of a run for listing.
type RunMeta struct {
	ID         string     `json:"id"`
	Workflow   string     `json:"workflow,omitempty"`
	Status     RunStatus  `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
