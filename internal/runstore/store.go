// Package runstore provides workflow run persistence and event streaming.
package runstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"

	"github.com/flexinfer/clusterflow/internal/metrics"
	"github.com/flexinfer/clusterflow/pkg/types"
)

// Common errors returned by RunStore implementations.
var (
	ErrRunNotFound  = errors.New("run not found")
	ErrTaskNotFound = errors.New("task not found in run")
	ErrRunFinished  = errors.New("run already finished")
)

// RunStore defines the interface for run state persistence and event streaming.
// Implementations must be safe for concurrent use.
type RunStore interface {
	// Run lifecycle
	CreateRun(ctx context.Context, workflow string, tasks []string) (string, error)
	GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error)
	GetRun(ctx context.Context, runID string) (*types.Run, error)
	ListRuns(ctx context.Context) ([]string, error)

	// UpdateRunStatus sets the status. StartedAt is stamped on the first
	// transition to running and FinishedAt on a terminal status, which also
	// closes subscriber channels.
	UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string) error

	// CancelRun marks the run cancelled. It stops local bookkeeping only.
	// A run that already reached a terminal status keeps it and
	// ErrRunFinished is returned.
	CancelRun(ctx context.Context, runID string) error
	IsCancelled(ctx context.Context, runID string) (bool, error)

	// Task run tracking
	UpdateTaskRun(ctx context.Context, runID string, tr *types.TaskRun) error
	GetTaskRun(ctx context.Context, runID, task string) (*types.TaskRun, error)

	// AppendEvent adds an event to the run's event stream and returns the created event.
	AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error)

	// GetEventsSince returns events after the given event ID (exclusive).
	// If lastEventID is empty, returns all events from the beginning.
	GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel that receives new events for the run.
	// The cleanup function must be called when done to release resources.
	// The channel is closed when the run finishes or cleanup is called.
	Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	Close() error
}

// Config holds configuration for RunStore implementations.
type Config struct {
	// Maximum number of events to keep per run (ring buffer)
	EventMaxLen int64

	// TTL for runs in seconds (0 = no expiry)
	TTLSeconds int64
}

// DefaultConfig returns sensible defaults for RunStore configuration.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		TTLSeconds:  7 * 24 * 60 * 60, // 7 days
	}
}

func generateRunID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// observe records the outcome of one store operation.
func observe(op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.RunStoreOperations.WithLabelValues(op, result).Inc()
}
