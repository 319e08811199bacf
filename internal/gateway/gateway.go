// Package gateway defines the boundary between the engine and the cluster
// scheduler that actually runs jobs.
package gateway

import (
	"context"
	"time"

	"github.com/flexinfer/clusterflow/pkg/types"
)

// Gateway submits, queries and cancels jobs on a cluster scheduler.
// Implementations must be safe for concurrent use.
type Gateway interface {
	// Submit hands the task to the scheduler and returns its job ID.
	// Errors are *SubmissionError.
	Submit(ctx context.Context, task *types.Task) (string, error)

	// Query returns the current state of a job. Errors are *QueryError.
	Query(ctx context.Context, jobID string) (*JobInfo, error)

	// Cancel asks the scheduler to stop a job. Errors are *QueryError.
	Cancel(ctx context.Context, jobID string) error

	// List returns jobs matching the filter.
	List(ctx context.Context, filter ListFilter) ([]JobInfo, error)

	// ResourceSnapshot reports aggregate capacity, optionally for a single
	// partition.
	ResourceSnapshot(ctx context.Context, partition string) (*types.ResourceSnapshot, error)
}

// JobInfo is what the scheduler reports about a job. State is in the
// scheduler's own vocabulary; the monitor normalizes it.
type JobInfo struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	State       string            `json:"state"`
	Partition   string            `json:"partition,omitempty"`
	User        string            `json:"user,omitempty"`
	Nodes       int               `json:"nodes,omitempty"`
	SubmittedAt *time.Time        `json:"submitted_at,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ListFilter narrows List. Zero fields match everything. A non-zero Since
// asks for finished jobs as well, back to that time.
type ListFilter struct {
	Partition string
	User      string
	States    []string
	Since     time.Time
}
