package callback

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/flexinfer/clusterflow/internal/metrics"
	"github.com/flexinfer/clusterflow/pkg/types"
)

// RetryPolicy bounds delivery attempts.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is three tries with exponential backoff from one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxTries: 3, InitialInterval: time.Second, MaxInterval: 10 * time.Second}
}

type retrying struct {
	sink   Sink
	name   string
	policy RetryPolicy
}

// WithRetry wraps s so every delivery is retried with exponential backoff.
// A delivery still failing after the last try returns a *NotifyError. name
// labels failure metrics.
func WithRetry(s Sink, name string, policy RetryPolicy) Sink {
	if policy.MaxTries == 0 {
		policy.MaxTries = 1
	}
	return &retrying{sink: s, name: name, policy: policy}
}

// RetryEach retries every leaf sink of s on its own: the sinks of a Multi are
// wrapped one by one, so a failing sink never re-delivers to the healthy
// ones. Sinks already wrapped by WithRetry keep their own policy.
func RetryEach(s Sink, name string, policy RetryPolicy) Sink {
	switch v := s.(type) {
	case *retrying:
		return v
	case multi:
		out := make(multi, len(v))
		for i, child := range v {
			out[i] = RetryEach(child, name, policy)
		}
		return out
	}
	return WithRetry(s, name, policy)
}

func (r *retrying) do(ctx context.Context, event string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		b.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		b.MaxInterval = r.policy.MaxInterval
	}
	_, err := backoff.Retry(ctx, backoff.Operation[struct{}](func() (struct{}, error) {
		return struct{}{}, fn()
	}), backoff.WithBackOff(b), backoff.WithMaxTries(r.policy.MaxTries))
	if err != nil {
		metrics.SinkFailures.WithLabelValues(r.name, event).Inc()
		return &NotifyError{Event: event, Err: err}
	}
	return nil
}

func (r *retrying) OnSubmitted(ctx context.Context, ev Event) error {
	return r.do(ctx, "submitted", func() error { return r.sink.OnSubmitted(ctx, ev) })
}

func (r *retrying) OnRunning(ctx context.Context, ev Event) error {
	return r.do(ctx, "running", func() error { return r.sink.OnRunning(ctx, ev) })
}

func (r *retrying) OnSucceeded(ctx context.Context, ev Event) error {
	return r.do(ctx, "succeeded", func() error { return r.sink.OnSucceeded(ctx, ev) })
}

func (r *retrying) OnFailed(ctx context.Context, ev Event) error {
	return r.do(ctx, "failed", func() error { return r.sink.OnFailed(ctx, ev) })
}

func (r *retrying) OnCancelled(ctx context.Context, ev Event) error {
	return r.do(ctx, "cancelled", func() error { return r.sink.OnCancelled(ctx, ev) })
}

func (r *retrying) OnScheduledReport(ctx context.Context, rep *types.Report) error {
	return r.do(ctx, "report", func() error { return r.sink.OnScheduledReport(ctx, rep) })
}
