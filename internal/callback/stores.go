package callback

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/flexinfer/clusterflow/internal/archive"
	"github.com/flexinfer/clusterflow/internal/history"
	"github.com/flexinfer/clusterflow/internal/runstore"
	"github.com/flexinfer/clusterflow/pkg/types"
)

// RunStoreSink mirrors task lifecycle events into a run's record and event
// stream, so API clients can follow a run.
type RunStoreSink struct {
	Base
	store runstore.RunStore
	runID string
}

// NewRunStoreSink creates a sink writing to runID.
func NewRunStoreSink(store runstore.RunStore, runID string) *RunStoreSink {
	return &RunStoreSink{store: store, runID: runID}
}

var _ Sink = (*RunStoreSink)(nil)

func (s *RunStoreSink) record(ctx context.Context, ev Event) error {
	tr, err := s.store.GetTaskRun(ctx, s.runID, ev.Task)
	if err != nil {
		if !errors.Is(err, runstore.ErrTaskNotFound) {
			return err
		}
		tr = &types.TaskRun{Task: ev.Task}
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	tr.Status = ev.Status
	if ev.JobID != "" {
		tr.JobID = ev.JobID
	}
	if ev.Status == types.TaskSubmitted {
		tr.SubmittedAt = &ts
	}
	if ev.Status.IsTerminal() {
		tr.FinishedAt = &ts
	}
	tr.Error = ev.Error
	if err := s.store.UpdateTaskRun(ctx, s.runID, tr); err != nil {
		return err
	}

	_, err = s.store.AppendEvent(ctx, s.runID, &types.EventInput{
		Type: types.EventTypeTaskStatus,
		Task: ev.Task,
		Data: types.TaskStatusEvent{Status: ev.Status, JobID: ev.JobID, Error: ev.Error},
	})
	return err
}

func (s *RunStoreSink) OnSubmitted(ctx context.Context, ev Event) error { return s.record(ctx, ev) }
func (s *RunStoreSink) OnRunning(ctx context.Context, ev Event) error   { return s.record(ctx, ev) }
func (s *RunStoreSink) OnSucceeded(ctx context.Context, ev Event) error { return s.record(ctx, ev) }
func (s *RunStoreSink) OnFailed(ctx context.Context, ev Event) error    { return s.record(ctx, ev) }
func (s *RunStoreSink) OnCancelled(ctx context.Context, ev Event) error { return s.record(ctx, ev) }

// HistorySink records submissions and completions in the job history.
type HistorySink struct {
	Base
	db     *history.DB
	tasks  map[string]*types.Task
	logger *slog.Logger
}

// NewHistorySink creates a history sink for a workflow's tasks.
func NewHistorySink(db *history.DB, tasks []types.Task, logger *slog.Logger) *HistorySink {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[string]*types.Task, len(tasks))
	for i := range tasks {
		m[tasks[i].Name] = &tasks[i]
	}
	return &HistorySink{db: db, tasks: m, logger: logger}
}

var _ Sink = (*HistorySink)(nil)

func (s *HistorySink) OnSubmitted(ctx context.Context, ev Event) error {
	task, ok := s.tasks[ev.Task]
	if !ok {
		s.logger.Warn("history: submission for unknown task", "task", ev.Task)
		return nil
	}
	return s.db.RecordSubmission(ctx, history.Submission{
		JobID:    ev.JobID,
		Task:     task,
		Workflow: ev.Workflow,
		RunID:    ev.RunID,
		At:       ev.Timestamp,
	})
}

func (s *HistorySink) complete(ctx context.Context, ev Event) error {
	if ev.JobID == "" {
		return nil
	}
	return s.db.RecordCompletion(ctx, ev.JobID, ev.Status, ev.Timestamp)
}

func (s *HistorySink) OnSucceeded(ctx context.Context, ev Event) error { return s.complete(ctx, ev) }
func (s *HistorySink) OnFailed(ctx context.Context, ev Event) error    { return s.complete(ctx, ev) }
func (s *HistorySink) OnCancelled(ctx context.Context, ev Event) error { return s.complete(ctx, ev) }

// ArchiveSink stores every scheduled report in object storage.
type ArchiveSink struct {
	Base
	archive *archive.Archive
	logger  *slog.Logger
}

// NewArchiveSink creates an archive sink.
func NewArchiveSink(a *archive.Archive, logger *slog.Logger) *ArchiveSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveSink{archive: a, logger: logger}
}

var _ Sink = (*ArchiveSink)(nil)

func (s *ArchiveSink) OnScheduledReport(ctx context.Context, r *types.Report) error {
	ref, err := s.archive.SaveReport(ctx, r)
	if err != nil {
		return err
	}
	s.logger.Debug("report archived", "uri", ref.URI)
	return nil
}
