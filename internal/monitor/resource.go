package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/flexinfer/clusterflow/internal/gateway"
	"github.com/flexinfer/clusterflow/pkg/types"
)

// ResourceMonitor observes aggregate capacity of one partition. An empty
// partition means the whole cluster.
type ResourceMonitor struct {
	gw        gateway.Gateway
	partition string
	cfg       *Config
	logger    *slog.Logger
}

// NewResourceMonitor creates a resource monitor.
func NewResourceMonitor(gw gateway.Gateway, partition string, cfg *Config, logger *slog.Logger) *ResourceMonitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceMonitor{gw: gw, partition: partition, cfg: cfg, logger: logger}
}

// Partition returns the observed partition.
func (m *ResourceMonitor) Partition() string { return m.partition }

// Snapshot takes one observation, retrying within the policy.
func (m *ResourceMonitor) Snapshot(ctx context.Context) (*types.ResourceSnapshot, error) {
	snap, err := retry(ctx, m.cfg.Retry, "resource", func() (*types.ResourceSnapshot, error) {
		return m.gw.ResourceSnapshot(ctx, m.partition)
	})
	if err != nil {
		return nil, err
	}
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = time.Now()
	}
	return snap, nil
}

type resourceCycle struct {
	snap *types.ResourceSnapshot
	err  error
}

func (m *ResourceMonitor) poller(stop func(*types.ResourceSnapshot) bool) func(context.Context) (resourceCycle, bool) {
	return func(ctx context.Context) (resourceCycle, bool) {
		snap, err := m.Snapshot(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("resource snapshot failed", "partition", m.partition, "error", err)
			}
			return resourceCycle{err: err}, false
		}
		return resourceCycle{snap: snap}, stop != nil && stop(snap)
	}
}

func (m *ResourceMonitor) interval(opts WatchOptions) time.Duration {
	if opts.PollInterval > 0 {
		return opts.PollInterval
	}
	if m.cfg.PollInterval > 0 {
		return m.cfg.PollInterval
	}
	return 5 * time.Second
}

// WatchUntil blocks until a snapshot satisfies pred and returns it. Failed
// cycles are logged and retried on the next tick.
func (m *ResourceMonitor) WatchUntil(ctx context.Context, pred Predicate, opts WatchOptions) (*types.ResourceSnapshot, error) {
	wctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	match := func(s *types.ResourceSnapshot) bool { return pred(*s) }

	var (
		last    *types.ResourceSnapshot
		lastErr error
	)
	for c := range loop(wctx, m.interval(opts), "resource", m.poller(match)) {
		if c.err != nil {
			lastErr = c.err
			continue
		}
		last = c.snap
		if match(c.snap) {
			return c.snap, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return last, err
	}
	terr := &TimeoutError{Timeout: opts.Timeout, LastErr: lastErr}
	if m.partition != "" {
		terr.Pending = []string{m.partition}
	}
	return last, terr
}

// WatchContinuous calls onChange whenever an observed snapshot differs from
// the previous one. The first successful observation is reported with a nil
// old snapshot. The watch runs until Stop, ctx cancellation or opts.Timeout.
func (m *ResourceMonitor) WatchContinuous(ctx context.Context, onChange func(old, cur *types.ResourceSnapshot), opts WatchOptions) *Watch {
	wctx, cancel := withTimeout(ctx, opts.Timeout)
	w := newWatch(cancel)

	go func() {
		var (
			prev    *types.ResourceSnapshot
			lastErr error
		)
		for c := range loop(wctx, m.interval(opts), "resource", m.poller(nil)) {
			if c.err != nil {
				lastErr = c.err
				continue
			}
			if prev != nil && prev.Equal(*c.snap) {
				continue
			}
			if wctx.Err() != nil {
				break
			}
			onChange(prev, c.snap)
			prev = c.snap
		}

		var err error
		switch {
		case w.stopped.Load():
		case ctx.Err() != nil:
			err = ctx.Err()
		case wctx.Err() != nil:
			err = &TimeoutError{Timeout: opts.Timeout, LastErr: lastErr}
		}
		w.finish(err)
	}()
	return w
}
