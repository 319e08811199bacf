// Package monitor watches job and resource state on the cluster by polling
// the gateway.
//
// Both monitors are built on one polling loop that emits an observation per
// cycle on a channel. Watchers consume that channel, so cancellation, retry
// and transition detection are testable without a scheduler in the loop.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/flexinfer/clusterflow/internal/metrics"
)

// Sentinel errors.
var (
	// ErrMonitoringTimeout is matched by *TimeoutError.
	ErrMonitoringTimeout = errors.New("monitoring timeout")

	// ErrTargetUnreachable is returned by a job watch when every job is
	// terminal but some ended outside the target set.
	ErrTargetUnreachable = errors.New("job finished outside target states")
)

// TimeoutError reports a watch that ran out of time before resolving.
// Unknown lists ids whose last poll cycle failed; LastErr is the most recent
// query failure, if any.
type TimeoutError struct {
	Timeout time.Duration
	Pending []string
	Unknown []string
	LastErr error
}

func (e *TimeoutError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "monitor: no conclusive state after %s", e.Timeout)
	if len(e.Pending) > 0 {
		fmt.Fprintf(&b, " for %s", strings.Join(e.Pending, ", "))
	}
	if len(e.Unknown) > 0 {
		fmt.Fprintf(&b, " (unknown: %s)", strings.Join(e.Unknown, ", "))
	}
	if e.LastErr != nil {
		fmt.Fprintf(&b, ": last query error: %v", e.LastErr)
	}
	return b.String()
}

func (e *TimeoutError) Is(target error) bool { return target == ErrMonitoringTimeout }

func (e *TimeoutError) Unwrap() error { return e.LastErr }

// RetryPolicy bounds how hard a single query is retried within one poll
// cycle.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is three tries with a short exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func retry[T any](ctx context.Context, p RetryPolicy, kind string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	tries := p.MaxTries
	if tries == 0 {
		tries = 1
	}
	v, err := backoff.Retry(ctx, backoff.Operation[T](op),
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(error, time.Duration) {
			metrics.QueryRetries.WithLabelValues(kind).Inc()
		}),
	)
	if err != nil {
		metrics.QueryFailures.WithLabelValues(kind).Inc()
	}
	return v, err
}

// WatchOptions configures one watch. Zero PollInterval uses the monitor's
// default; zero Timeout waits forever.
type WatchOptions struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// Watch is a running continuous watch.
type Watch struct {
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool

	mu  sync.Mutex
	err error
}

func newWatch(cancel context.CancelFunc) *Watch {
	return &Watch{cancel: cancel, done: make(chan struct{})}
}

// Stop ends the watch. It does not wait for the polling goroutine, so it is
// safe to call from a transition callback.
func (w *Watch) Stop() {
	w.stopped.Store(true)
	w.cancel()
}

// Done is closed once the watch has ended and no further callbacks will run.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Err reports why the watch ended: nil when every target resolved or Stop
// was called, a *TimeoutError when the watch timed out, or the parent
// context's error. Only meaningful after Done is closed.
func (w *Watch) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Watch) finish(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.cancel()
	close(w.done)
}

// withTimeout applies an optional timeout.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// loop is the polling producer. It calls poll immediately and then every
// interval, sending each result on the returned channel, until poll reports
// done or ctx ends. A cycle interrupted by ctx is discarded.
func loop[T any](ctx context.Context, interval time.Duration, kind string, poll func(context.Context) (T, bool)) <-chan T {
	ch := make(chan T)
	go func() {
		defer close(ch)
		timer := time.NewTimer(0)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			metrics.MonitorPolls.WithLabelValues(kind).Inc()
			v, done := poll(ctx)
			if ctx.Err() != nil {
				return
			}
			select {
			case ch <- v:
			case <-ctx.Done():
				return
			}
			if done {
				return
			}
			timer.Reset(interval)
		}
	}()
	return ch
}
