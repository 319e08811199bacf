// Package reporter sends periodic cluster status reports to a callback sink.
package reporter

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/flexinfer/clusterflow/internal/callback"
	"github.com/flexinfer/clusterflow/internal/gateway"
	"github.com/flexinfer/clusterflow/internal/metrics"
	"github.com/flexinfer/clusterflow/internal/monitor"
	"github.com/flexinfer/clusterflow/pkg/types"
)

// ErrAlreadyRunning is returned by Run and Start on a running reporter.
var ErrAlreadyRunning = errors.New("reporter already running")

// State is the reporter lifecycle state.
type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Reporter builds a report on every tick of its schedule and hands it to the
// sink. A report is also sent as soon as the reporter starts.
type Reporter struct {
	gw        gateway.Gateway
	jobs      *monitor.JobMonitor
	resources *monitor.ResourceMonitor
	sink      callback.Sink
	cfg       *Config
	logger    *slog.Logger

	mu    sync.Mutex
	state State
	stop  chan struct{}
	done  chan struct{}
}

// New creates a reporter. cfg must come from NewConfig or carry a Schedule.
func New(gw gateway.Gateway, sink callback.Sink, cfg *Config, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = callback.Base{}
	}
	return &Reporter{
		gw:        gw,
		jobs:      monitor.NewJobMonitor(gw, cfg.Monitor, logger),
		resources: monitor.NewResourceMonitor(gw, cfg.Partition, cfg.Monitor, logger),
		sink:      callback.RetryEach(sink, "report", cfg.Delivery),
		cfg:       cfg,
		logger:    logger.With("component", "reporter"),
	}
}

// State returns the current lifecycle state.
func (r *Reporter) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reporter) begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Running {
		return ErrAlreadyRunning
	}
	r.state = Running
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	return nil
}

// Run sends reports until Stop is called or ctx ends. It blocks the caller.
func (r *Reporter) Run(ctx context.Context) error {
	if err := r.begin(); err != nil {
		return err
	}
	r.loop(ctx)
	return nil
}

// Start runs the reporter in the background.
func (r *Reporter) Start(ctx context.Context) error {
	if err := r.begin(); err != nil {
		return err
	}
	go r.loop(ctx)
	return nil
}

// Stop ends the schedule. It lets an in-flight tick finish and returns once
// the reporter is idle.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.state != Running {
		r.mu.Unlock()
		return
	}
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	done := r.done
	r.mu.Unlock()
	<-done
}

func (r *Reporter) loop(ctx context.Context) {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.state = Idle
		r.mu.Unlock()
		close(done)
		r.logger.Info("reporter stopped")
	}()

	r.logger.Info("reporter started", "schedule", r.cfg.Expr, "include", r.cfg.Include)
	r.tick(ctx)

	timer := time.NewTimer(time.Until(r.cfg.Schedule.Next(time.Now())))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-timer.C:
		}
		r.tick(ctx)
		timer.Reset(time.Until(r.cfg.Schedule.Next(time.Now())))
	}
}

func (r *Reporter) tick(ctx context.Context) {
	report := r.BuildReport(ctx)
	if err := r.sink.OnScheduledReport(ctx, report); err != nil {
		metrics.ReportTicks.WithLabelValues("dropped").Inc()
		r.logger.Error("report delivery failed", "error", err)
		return
	}
	metrics.ReportTicks.WithLabelValues("delivered").Inc()
}

// BuildReport assembles a report with the configured sections. Query
// failures produce zeroed sections, never an error.
func (r *Reporter) BuildReport(ctx context.Context) *types.Report {
	now := time.Now().UTC()
	report := &types.Report{Timestamp: now, Partition: r.cfg.Partition}

	if r.cfg.Has(SectionJobs) {
		report.JobStats = r.jobStats(ctx, now, "")
	}
	if r.cfg.Has(SectionResources) {
		report.ResourceStats = r.resourceStats(ctx)
	}
	if r.cfg.Has(SectionUser) {
		user := r.cfg.User
		if user == "" {
			user = os.Getenv("USER")
		}
		report.User = user
		if user == "" {
			r.logger.Warn("no user configured for user stats")
			report.UserStats = &types.JobStats{}
		} else {
			report.UserStats = r.jobStats(ctx, now, user)
		}
	}
	return report
}

// jobStats counts active jobs and those finished within the timeframe.
func (r *Reporter) jobStats(ctx context.Context, now time.Time, user string) *types.JobStats {
	filter := gateway.ListFilter{Partition: r.cfg.Partition, User: user}
	active, err := r.gw.List(ctx, filter)
	if err != nil {
		r.logger.Warn("failed to list active jobs", "user", user, "error", err)
		return &types.JobStats{}
	}
	since := now.Add(-r.cfg.Timeframe)
	filter.Since = since
	recent, err := r.gw.List(ctx, filter)
	if err != nil {
		r.logger.Warn("failed to list finished jobs", "user", user, "since", since, "error", err)
		return &types.JobStats{}
	}

	stats := &types.JobStats{}
	for _, j := range active {
		if st := r.jobs.Normalize(j.State); !st.IsTerminal() {
			stats.Add(st)
		}
	}
	for _, j := range recent {
		st := r.jobs.Normalize(j.State)
		if !st.IsTerminal() {
			continue
		}
		if j.FinishedAt != nil && j.FinishedAt.Before(since) {
			continue
		}
		stats.Add(st)
	}
	return stats
}

func (r *Reporter) resourceStats(ctx context.Context) *types.ResourceStats {
	snap, err := r.resources.Snapshot(ctx)
	if err != nil {
		r.logger.Warn("failed to get resource snapshot", "partition", r.cfg.Partition, "error", err)
		return &types.ResourceStats{Partition: r.cfg.Partition}
	}
	return snap.Stats()
}
