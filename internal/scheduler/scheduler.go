// Package scheduler executes a workflow plan on the cluster, submitting each
// task as soon as its own dependencies are satisfied.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/clusterflow/internal/callback"
	"github.com/flexinfer/clusterflow/internal/gateway"
	"github.com/flexinfer/clusterflow/internal/graph"
	"github.com/flexinfer/clusterflow/internal/metrics"
	"github.com/flexinfer/clusterflow/internal/monitor"
	"github.com/flexinfer/clusterflow/pkg/types"
)

// Errors attached to task results.
var (
	ErrJobFailed      = errors.New("job failed")
	ErrJobCancelled   = errors.New("job cancelled")
	ErrUpstreamFailed = errors.New("upstream task did not succeed")
)

// ReleaseMode decides when an async task unblocks its dependents.
type ReleaseMode string

const (
	// ReleaseOnSubmit releases dependents once the job is accepted.
	ReleaseOnSubmit ReleaseMode = "submit"
	// ReleaseOnRunning releases dependents once the job is observed running.
	ReleaseOnRunning ReleaseMode = "running"
)

// Config holds scheduler configuration.
type Config struct {
	// PollInterval for job watches (0 = monitor default)
	PollInterval time.Duration

	// TaskTimeout bounds how long a submitted job is watched (0 = forever).
	// A job still unresolved when it expires is failed with a
	// *monitor.TimeoutError.
	TaskTimeout time.Duration

	// AsyncRelease applies to tasks marked async.
	AsyncRelease ReleaseMode
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 5 * time.Second,
		AsyncRelease: ReleaseOnSubmit,
	}
}

// TaskResult is the outcome of one task.
type TaskResult struct {
	JobID   string           `json:"job_id,omitempty"`
	Status  types.TaskStatus `json:"status"`
	Skipped bool             `json:"skipped,omitempty"`
	Err     error            `json:"-"`
}

// Result is the outcome of a run.
type Result struct {
	RunID      string
	Status     types.RunStatus
	Order      []string
	Tasks      map[string]TaskResult
	StartedAt  time.Time
	FinishedAt time.Time
}

// Succeeded reports whether every task in scope succeeded.
func (r *Result) Succeeded() bool {
	return r.Status == types.RunStatusSucceeded
}

// Failed lists tasks that failed or were cancelled, in plan order.
func (r *Result) Failed() []string {
	var out []string
	for _, name := range r.Order {
		if st := r.Tasks[name].Status; st == types.TaskFailed || st == types.TaskCancelled {
			out = append(out, name)
		}
	}
	return out
}

// Scheduler runs plans against a gateway.
type Scheduler struct {
	gw     gateway.Gateway
	jobs   *monitor.JobMonitor
	sink   callback.Sink
	cfg    *Config
	logger *slog.Logger
}

// New creates a scheduler. A nil monitor is built over gw with defaults; a
// nil sink discards events.
func New(gw gateway.Gateway, jobs *monitor.JobMonitor, sink callback.Sink, cfg *Config, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if jobs == nil {
		jobs = monitor.NewJobMonitor(gw, nil, logger)
	}
	if sink == nil {
		sink = callback.Base{}
	}
	return &Scheduler{gw: gw, jobs: jobs, sink: sink, cfg: cfg, logger: logger}
}

// RunOption configures a single run.
type RunOption func(*Execution)

// WithRunID sets the run identifier carried on lifecycle events.
func WithRunID(id string) RunOption {
	return func(e *Execution) { e.runID = id }
}

// WithWorkflow sets the workflow name carried on lifecycle events.
func WithWorkflow(name string) RunOption {
	return func(e *Execution) { e.workflow = name }
}

// WithSink adds a sink for this run only, alongside the scheduler's own.
func WithSink(s callback.Sink) RunOption {
	return func(e *Execution) { e.sink = callback.Multi(e.sink, s) }
}

// Run executes plan and blocks until every task in scope is terminal or ctx
// ends. On cancellation it returns the partial result and ctx's error;
// submitted jobs are left running on the cluster.
func (s *Scheduler) Run(ctx context.Context, plan *graph.Plan, opts ...RunOption) (*Result, error) {
	return s.Start(ctx, plan, opts...).Wait()
}

// RunTasks validates tasks, applies sel and runs the resulting plan. Graph
// errors are returned before anything is submitted.
func (s *Scheduler) RunTasks(ctx context.Context, tasks []types.Task, sel graph.Selector, opts ...RunOption) (*Result, error) {
	plan, err := graph.NewPlan(tasks, sel)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, plan, opts...)
}

// Start begins executing plan in the background.
func (s *Scheduler) Start(ctx context.Context, plan *graph.Plan, opts ...RunOption) *Execution {
	e := newExecution(s, plan)
	for _, opt := range opts {
		opt(e)
	}
	if e.runID == "" {
		e.runID = uuid.NewString()
	}
	go e.run(ctx)
	return e
}

type eventKind int

const (
	evSubmitted eventKind = iota
	evSubmitFailed
	evTransition
	evWatchEnded
)

type event struct {
	kind  eventKind
	task  string
	jobID string
	state types.JobState
	err   error
}

// Execution is one run of a plan. Its task table is owned by a single
// coordinator goroutine; Snapshot reads a copy.
type Execution struct {
	s        *Scheduler
	plan     *graph.Plan
	sink     callback.Sink
	runID    string
	workflow string

	events    chan event
	done      chan struct{}
	notify    chan callback.Event
	notifyWG  sync.WaitGroup
	remaining map[string]int
	released  map[string]bool
	errs      map[string]error
	active    int

	mu     sync.RWMutex
	runs   map[string]*types.TaskRun
	result *Result
	err    error
	exited chan struct{}
}

func newExecution(s *Scheduler, plan *graph.Plan) *Execution {
	names := plan.Tasks()
	e := &Execution{
		s:         s,
		plan:      plan,
		sink:      s.sink,
		events:    make(chan event, len(names)),
		done:      make(chan struct{}),
		notify:    make(chan callback.Event, 4*len(names)+1),
		remaining: make(map[string]int, len(names)),
		released:  make(map[string]bool, len(names)),
		errs:      make(map[string]error),
		runs:      make(map[string]*types.TaskRun, len(names)),
		exited:    make(chan struct{}),
	}
	for _, name := range names {
		e.runs[name] = &types.TaskRun{Task: name, Status: types.TaskNotStarted}
		e.remaining[name] = len(plan.Dependencies(name))
	}
	return e
}

// RunID returns the run identifier.
func (e *Execution) RunID() string { return e.runID }

// Wait blocks until the run ends.
func (e *Execution) Wait() (*Result, error) {
	<-e.exited
	return e.result, e.err
}

// Done is closed when the run has ended.
func (e *Execution) Done() <-chan struct{} { return e.exited }

// Snapshot returns a copy of the task table.
func (e *Execution) Snapshot() map[string]types.TaskRun {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]types.TaskRun, len(e.runs))
	for name, tr := range e.runs {
		out[name] = *tr
	}
	return out
}

func (e *Execution) run(ctx context.Context) {
	started := time.Now()
	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	e.notifyWG.Add(1)
	go e.deliver(context.WithoutCancel(ctx))

	logger := e.s.logger.With("run_id", e.runID)
	logger.Info("run started", "workflow", e.workflow, "tasks", len(e.runs))

	for _, name := range e.plan.Tasks() {
		if e.remaining[name] == 0 {
			e.dispatch(ctx, name)
		}
	}

	var err error
	for e.active > 0 && err == nil {
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case ev := <-e.events:
			e.handle(ctx, ev)
		}
	}
	close(e.done)

	if err == nil {
		e.skipRemaining()
	}
	close(e.notify)
	e.notifyWG.Wait()

	res := e.buildResult(err, started)
	metrics.RunsTotal.WithLabelValues(string(res.Status)).Inc()
	metrics.RunDuration.WithLabelValues(string(res.Status)).Observe(res.FinishedAt.Sub(started).Seconds())
	logger.Info("run finished", "status", res.Status, "duration", res.FinishedAt.Sub(started))

	e.mu.Lock()
	e.result, e.err = res, err
	e.mu.Unlock()
	close(e.exited)
}

// send hands an event to the coordinator unless the run has ended.
func (e *Execution) send(ev event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func (e *Execution) setStatus(name string, status types.TaskStatus, fn func(*types.TaskRun)) *types.TaskRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr := e.runs[name]
	tr.Status = status
	if fn != nil {
		fn(tr)
	}
	cp := *tr
	return &cp
}

func (e *Execution) status(name string) types.TaskStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runs[name].Status
}

// dispatch submits name in its own goroutine.
func (e *Execution) dispatch(ctx context.Context, name string) {
	e.setStatus(name, types.TaskQueued, nil)
	e.active++
	metrics.FrontierSize.Inc()

	task := e.plan.Graph.Task(name)
	go func() {
		jobID, err := e.s.gw.Submit(ctx, task)
		if err != nil {
			metrics.SubmissionsTotal.WithLabelValues("error").Inc()
			e.send(event{kind: evSubmitFailed, task: name, err: err})
			return
		}
		metrics.SubmissionsTotal.WithLabelValues("success").Inc()
		e.send(event{kind: evSubmitted, task: name, jobID: jobID})
	}()
}

func (e *Execution) handle(ctx context.Context, ev event) {
	if e.status(ev.task).IsTerminal() {
		return
	}
	logger := e.s.logger.With("run_id", e.runID, "task", ev.task)

	switch ev.kind {
	case evSubmitFailed:
		logger.Error("submission failed", "error", ev.err)
		e.finish(ev.task, types.TaskFailed, ev.err)

	case evSubmitted:
		now := time.Now().UTC()
		tr := e.setStatus(ev.task, types.TaskSubmitted, func(tr *types.TaskRun) {
			tr.JobID = ev.jobID
			tr.SubmittedAt = &now
		})
		logger.Info("task submitted", "job_id", ev.jobID)
		e.emit(tr, nil)
		e.watch(ctx, ev.task, ev.jobID)
		if e.isAsync(ev.task) && e.s.cfg.AsyncRelease != ReleaseOnRunning {
			e.release(ctx, ev.task)
		}

	case evTransition:
		switch ev.state {
		case types.JobRunning:
			if e.status(ev.task) != types.TaskSubmitted {
				return
			}
			tr := e.setStatus(ev.task, types.TaskRunning, nil)
			e.emit(tr, nil)
			if e.isAsync(ev.task) && e.s.cfg.AsyncRelease == ReleaseOnRunning {
				e.release(ctx, ev.task)
			}
		case types.JobSucceeded:
			e.finish(ev.task, types.TaskSucceeded, nil)
			e.release(ctx, ev.task)
		case types.JobFailed:
			e.finish(ev.task, types.TaskFailed, fmt.Errorf("%w: job %s", ErrJobFailed, e.jobID(ev.task)))
		case types.JobCancelled:
			e.finish(ev.task, types.TaskCancelled, fmt.Errorf("%w: job %s", ErrJobCancelled, e.jobID(ev.task)))
		}

	case evWatchEnded:
		var terr *monitor.TimeoutError
		if errors.As(ev.err, &terr) {
			logger.Warn("task watch timed out", "job_id", e.jobID(ev.task), "timeout", terr.Timeout)
			e.finish(ev.task, types.TaskFailed, ev.err)
		}
	}
}

func (e *Execution) watch(ctx context.Context, name, jobID string) {
	w := e.s.jobs.WatchContinuous(ctx, []string{jobID}, func(tr monitor.Transition) {
		e.send(event{kind: evTransition, task: name, jobID: jobID, state: tr.New})
	}, monitor.WatchOptions{PollInterval: e.s.cfg.PollInterval, Timeout: e.s.cfg.TaskTimeout})

	go func() {
		<-w.Done()
		e.send(event{kind: evWatchEnded, task: name, jobID: jobID, err: w.Err()})
	}()
}

func (e *Execution) isAsync(name string) bool {
	return e.plan.Graph.Task(name).Async
}

func (e *Execution) jobID(name string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runs[name].JobID
}

// release unblocks the dependents of name, dispatching any that become
// ready.
func (e *Execution) release(ctx context.Context, name string) {
	if e.released[name] {
		return
	}
	e.released[name] = true
	for _, d := range e.plan.Dependents(name) {
		e.remaining[d]--
		if e.remaining[d] == 0 && e.status(d) == types.TaskNotStarted {
			e.dispatch(ctx, d)
		}
	}
}

// finish records a terminal status for a started task.
func (e *Execution) finish(name string, status types.TaskStatus, err error) {
	now := time.Now().UTC()
	tr := e.setStatus(name, status, func(tr *types.TaskRun) {
		tr.FinishedAt = &now
		if err != nil {
			tr.Error = err.Error()
		}
	})
	if err != nil {
		e.errs[name] = err
	}
	e.active--
	metrics.FrontierSize.Dec()
	metrics.TasksTotal.WithLabelValues(string(status)).Inc()

	e.s.logger.Info("task finished", "run_id", e.runID, "task", name, "job_id", tr.JobID, "status", status)
	e.emit(tr, err)

	if status != types.TaskSucceeded {
		e.skipDependents(name)
	}
}

// skipDependents marks every not-yet-started transitive dependent of name
// skipped. Dependents that were already released keep running and decide
// their own descendants.
func (e *Execution) skipDependents(name string) {
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range e.plan.Dependents(cur) {
			if e.status(d) != types.TaskNotStarted {
				continue
			}
			e.skip(d, name)
			queue = append(queue, d)
		}
	}
}

func (e *Execution) skip(name, upstream string) {
	now := time.Now().UTC()
	err := fmt.Errorf("%w: %s", ErrUpstreamFailed, upstream)
	e.setStatus(name, types.TaskSkipped, func(tr *types.TaskRun) {
		tr.FinishedAt = &now
		tr.Error = err.Error()
	})
	e.errs[name] = err
	metrics.TasksTotal.WithLabelValues(string(types.TaskSkipped)).Inc()
	e.s.logger.Info("task skipped", "run_id", e.runID, "task", name, "upstream", upstream)
}

// skipRemaining covers tasks left unreachable once nothing is in flight.
func (e *Execution) skipRemaining() {
	for _, name := range e.plan.Tasks() {
		if e.status(name) == types.TaskNotStarted {
			e.skip(name, "")
		}
	}
}

// emit queues a lifecycle event for the sink.
func (e *Execution) emit(tr *types.TaskRun, err error) {
	ev := callback.Event{
		RunID:     e.runID,
		Workflow:  e.workflow,
		Task:      tr.Task,
		JobID:     tr.JobID,
		Status:    tr.Status,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		var terr *monitor.TimeoutError
		ev.Error, ev.Timeout = err.Error(), errors.As(err, &terr)
	}
	e.notify <- ev
}

// deliver calls the sink in event order, off the coordinator goroutine.
func (e *Execution) deliver(ctx context.Context) {
	defer e.notifyWG.Done()
	for ev := range e.notify {
		if err := callback.Dispatch(ctx, e.sink, ev); err != nil {
			e.s.logger.Warn("lifecycle notification failed", "run_id", e.runID, "task", ev.Task, "status", ev.Status, "error", err)
		}
	}
}

func (e *Execution) buildResult(err error, started time.Time) *Result {
	e.mu.RLock()
	defer e.mu.RUnlock()

	res := &Result{
		RunID:      e.runID,
		Order:      e.plan.Tasks(),
		Tasks:      make(map[string]TaskResult, len(e.runs)),
		StartedAt:  started,
		FinishedAt: time.Now(),
		Status:     types.RunStatusSucceeded,
	}
	for name, tr := range e.runs {
		res.Tasks[name] = TaskResult{
			JobID:   tr.JobID,
			Status:  tr.Status,
			Skipped: tr.Status == types.TaskSkipped,
			Err:     e.errs[name],
		}
		if tr.Status != types.TaskSucceeded {
			res.Status = types.RunStatusFailed
		}
	}
	if err != nil {
		res.Status = types.RunStatusCancelled
	}
	return res
}
