package gateway

import (
	"errors"
	"fmt"
)

// ErrJobNotFound is wrapped by a QueryError when the scheduler has no record
// of the job.
var ErrJobNotFound = errors.New("job not found")

// SubmissionError is returned when the scheduler rejects or fails to accept
// a task.
type SubmissionError struct {
	Task string
	Err  error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.Task, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// QueryError is a failed query, list, snapshot or cancel call.
type QueryError struct {
	Op    string
	JobID string
	Err   error
}

func (e *QueryError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.JobID, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }
