package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/flexinfer/clusterflow/internal/gateway"
	"github.com/flexinfer/clusterflow/internal/metrics"
	"github.com/flexinfer/clusterflow/pkg/types"
)

// Config holds monitor configuration.
type Config struct {
	// PollInterval is used when a watch does not set its own.
	PollInterval time.Duration

	// Retry bounds query retries within one poll cycle.
	Retry RetryPolicy

	// States extends or overrides the built-in state vocabulary.
	States map[string]types.JobState
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 5 * time.Second,
		Retry:        DefaultRetryPolicy(),
	}
}

// Transition is one observed change of a job's canonical state.
type Transition struct {
	JobID string
	Old   types.JobState
	New   types.JobState
	Info  *gateway.JobInfo
	At    time.Time
}

// JobMonitor observes job state through the gateway. It is the only place
// job states are derived from scheduler output.
type JobMonitor struct {
	gw         gateway.Gateway
	cfg        *Config
	normalizer *Normalizer
	logger     *slog.Logger
}

// NewJobMonitor creates a job monitor.
func NewJobMonitor(gw gateway.Gateway, cfg *Config, logger *slog.Logger) *JobMonitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobMonitor{
		gw:         gw,
		cfg:        cfg,
		normalizer: NewNormalizer(cfg.States),
		logger:     logger,
	}
}

// Normalize maps a raw scheduler state using this monitor's vocabulary.
func (m *JobMonitor) Normalize(raw string) types.JobState {
	return m.normalizer.Normalize(raw)
}

// Status queries one job, retrying within the policy. On failure the state
// is Unknown and the last query error is returned.
func (m *JobMonitor) Status(ctx context.Context, jobID string) (types.JobState, *gateway.JobInfo, error) {
	info, err := retry(ctx, m.cfg.Retry, "job", func() (*gateway.JobInfo, error) {
		return m.gw.Query(ctx, jobID)
	})
	if err != nil {
		return types.JobUnknown, nil, err
	}
	return m.Normalize(info.State), info, nil
}

// jobCycle is what the job poller emits for one poll cycle.
type jobCycle struct {
	states  map[string]types.JobState
	changes []Transition
	unknown []string
	err     error
}

// poller returns a poll function tracking ids. Every job starts from a
// Pending baseline, so a job that is first seen pending produces no
// transition. Unknown results never replace the last known state.
func (m *JobMonitor) poller(ids []string) func(context.Context) (jobCycle, bool) {
	last := make(map[string]types.JobState, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		last[id] = types.JobPending
	}

	return func(ctx context.Context) (jobCycle, bool) {
		var c jobCycle
		for _, id := range ids {
			if last[id].IsTerminal() {
				continue
			}
			state, info, err := m.Status(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return c, false
				}
				m.logger.Warn("job query failed, state unknown this cycle", "job_id", id, "error", err)
				c.unknown = append(c.unknown, id)
				c.err = err
				continue
			}
			if state == types.JobUnknown {
				m.logger.Warn("unrecognized job state", "job_id", id, "state", info.State)
				c.unknown = append(c.unknown, id)
				continue
			}
			seen[id] = true
			if state != last[id] {
				c.changes = append(c.changes, Transition{
					JobID: id, Old: last[id], New: state, Info: info, At: time.Now(),
				})
				metrics.Transitions.WithLabelValues(string(state)).Inc()
				last[id] = state
			}
		}

		c.states = make(map[string]types.JobState, len(seen))
		done := true
		for _, id := range ids {
			if seen[id] {
				c.states[id] = last[id]
			}
			if !last[id].IsTerminal() {
				done = false
			}
		}
		return c, done
	}
}

func (m *JobMonitor) interval(opts WatchOptions) time.Duration {
	if opts.PollInterval > 0 {
		return opts.PollInterval
	}
	if m.cfg.PollInterval > 0 {
		return m.cfg.PollInterval
	}
	return 5 * time.Second
}

// WatchUntil blocks until every job is in one of targets. An empty target
// set means any terminal state. It returns a *TimeoutError if opts.Timeout
// elapses first and ErrTargetUnreachable if a job finishes outside targets.
// The returned map holds the last known state of every job observed.
func (m *JobMonitor) WatchUntil(ctx context.Context, ids []string, targets []types.JobState, opts WatchOptions) (map[string]types.JobState, error) {
	states := make(map[string]types.JobState, len(ids))
	if len(ids) == 0 {
		return states, nil
	}
	if len(targets) == 0 {
		targets = types.TerminalStates
	}
	want := make(map[types.JobState]bool, len(targets))
	for _, t := range targets {
		want[t] = true
	}

	wctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	var (
		unknown []string
		lastErr error
	)
	for c := range loop(wctx, m.interval(opts), "job", m.poller(ids)) {
		states = c.states
		unknown = c.unknown
		if c.err != nil {
			lastErr = c.err
		}
		reached := true
		for _, id := range ids {
			if st, ok := states[id]; !ok || !want[st] {
				reached = false
				break
			}
		}
		if reached {
			return states, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return states, err
	}
	if wctx.Err() != nil {
		return states, &TimeoutError{
			Timeout: opts.Timeout,
			Pending: unresolved(ids, states, want),
			Unknown: unknown,
			LastErr: lastErr,
		}
	}
	return states, fmt.Errorf("%w: %v", ErrTargetUnreachable, unresolved(ids, states, want))
}

func unresolved(ids []string, states map[string]types.JobState, want map[types.JobState]bool) []string {
	var out []string
	for _, id := range ids {
		if st, ok := states[id]; !ok || !want[st] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// WatchContinuous polls ids in the background and calls onTransition once
// per observed state change, in observation order, from the monitor's own
// goroutine. The watch ends when every job is terminal, when Stop is called,
// when ctx ends, or when opts.Timeout elapses; check Err after Done.
func (m *JobMonitor) WatchContinuous(ctx context.Context, ids []string, onTransition func(Transition), opts WatchOptions) *Watch {
	wctx, cancel := withTimeout(ctx, opts.Timeout)
	w := newWatch(cancel)

	go func() {
		var (
			states  map[string]types.JobState
			unknown []string
			lastErr error
		)
		for c := range loop(wctx, m.interval(opts), "job", m.poller(ids)) {
			states, unknown = c.states, c.unknown
			if c.err != nil {
				lastErr = c.err
			}
			for _, tr := range c.changes {
				if wctx.Err() != nil {
					break
				}
				onTransition(tr)
			}
		}

		var err error
		switch {
		case len(unresolved(ids, states, terminalSet)) == 0:
		case w.stopped.Load():
		case ctx.Err() != nil:
			err = ctx.Err()
		case wctx.Err() != nil:
			err = &TimeoutError{
				Timeout: opts.Timeout,
				Pending: unresolved(ids, states, terminalSet),
				Unknown: unknown,
				LastErr: lastErr,
			}
		}
		w.finish(err)
	}()
	return w
}

var terminalSet = map[types.JobState]bool{
	types.JobSucceeded: true,
	types.JobFailed:    true,
	types.JobCancelled: true,
}
