package callback

import (
	"context"
	"log/slog"

	"github.com/flexinfer/clusterflow/pkg/types"
)

// LogSink writes every event to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

var _ Sink = (*LogSink)(nil)

func (s *LogSink) log(ctx context.Context, level slog.Level, msg string, ev Event) error {
	attrs := []any{"task", ev.Task, "job_id", ev.JobID}
	if ev.RunID != "" {
		attrs = append(attrs, "run_id", ev.RunID)
	}
	if ev.Error != "" {
		attrs = append(attrs, "error", ev.Error)
	}
	s.logger.Log(ctx, level, msg, attrs...)
	return nil
}

func (s *LogSink) OnSubmitted(ctx context.Context, ev Event) error {
	return s.log(ctx, slog.LevelInfo, "task submitted", ev)
}

func (s *LogSink) OnRunning(ctx context.Context, ev Event) error {
	return s.log(ctx, slog.LevelInfo, "task running", ev)
}

func (s *LogSink) OnSucceeded(ctx context.Context, ev Event) error {
	return s.log(ctx, slog.LevelInfo, "task succeeded", ev)
}

func (s *LogSink) OnFailed(ctx context.Context, ev Event) error {
	return s.log(ctx, slog.LevelError, "task failed", ev)
}

func (s *LogSink) OnCancelled(ctx context.Context, ev Event) error {
	return s.log(ctx, slog.LevelWarn, "task cancelled", ev)
}

func (s *LogSink) OnScheduledReport(ctx context.Context, r *types.Report) error {
	attrs := []any{"timestamp", r.Timestamp}
	if r.JobStats != nil {
		attrs = append(attrs,
			"pending", r.JobStats.Pending,
			"running", r.JobStats.Running,
			"completed", r.JobStats.Completed,
			"failed", r.JobStats.Failed,
			"cancelled", r.JobStats.Cancelled,
		)
	}
	if r.ResourceStats != nil {
		attrs = append(attrs,
			"gpus_total", r.ResourceStats.TotalGPUs,
			"gpus_available", r.ResourceStats.GPUsAvailable,
			"utilization", r.ResourceStats.Utilization(),
		)
	}
	if r.UserStats != nil {
		attrs = append(attrs, "user", r.User, "user_active", r.UserStats.TotalActive())
	}
	s.logger.InfoContext(ctx, "scheduled report", attrs...)
	return nil
}
