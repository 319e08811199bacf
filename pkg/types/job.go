package types

// JobState is the canonical state of a job on the cluster, independent of
// the scheduler vocabulary it was reported in.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
	JobUnknown   JobState = "unknown"
)

// TerminalStates is the target set used when waiting for a job to finish.
var TerminalStates = []JobState{JobSucceeded, JobFailed, JobCancelled}

// IsTerminal reports whether the job can no longer change state.
func (s JobState) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// TaskStatus maps an observed job state onto the task lifecycle.
func (s JobState) TaskStatus() TaskStatus {
	switch s {
	case JobPending:
		return TaskSubmitted
	case JobRunning:
		return TaskRunning
	case JobSucceeded:
		return TaskSucceeded
	case JobFailed:
		return TaskFailed
	case JobCancelled:
		return TaskCancelled
	}
	return TaskSubmitted
}
