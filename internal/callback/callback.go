// Package callback defines the sink that receives task lifecycle and report
// events, plus the sinks clusterflow ships with.
package callback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flexinfer/clusterflow/pkg/types"
)

// Event is a task lifecycle notification.
type Event struct {
	RunID     string           `json:"run_id,omitempty"`
	Workflow  string           `json:"workflow,omitempty"`
	Task      string           `json:"task"`
	JobID     string           `json:"job_id,omitempty"`
	Status    types.TaskStatus `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Error     string           `json:"error,omitempty"`
	// Timeout is set on a failure caused by the task timeout rather than
	// by the job itself.
	Timeout bool `json:"timeout,omitempty"`
}

// Sink consumes lifecycle and report events. Methods may be called
// concurrently and should return promptly.
type Sink interface {
	OnSubmitted(ctx context.Context, ev Event) error
	OnRunning(ctx context.Context, ev Event) error
	OnSucceeded(ctx context.Context, ev Event) error
	OnFailed(ctx context.Context, ev Event) error
	OnCancelled(ctx context.Context, ev Event) error
	OnScheduledReport(ctx context.Context, report *types.Report) error
}

// Base implements Sink with no-ops. Embed it to handle a subset of events.
type Base struct{}

func (Base) OnSubmitted(context.Context, Event) error               { return nil }
func (Base) OnRunning(context.Context, Event) error                 { return nil }
func (Base) OnSucceeded(context.Context, Event) error               { return nil }
func (Base) OnFailed(context.Context, Event) error                  { return nil }
func (Base) OnCancelled(context.Context, Event) error               { return nil }
func (Base) OnScheduledReport(context.Context, *types.Report) error { return nil }

var _ Sink = Base{}

// ErrNoHandler is returned by Dispatch for statuses without a sink method.
var ErrNoHandler = errors.New("no sink handler for status")

// Dispatch routes ev to the sink method matching ev.Status.
func Dispatch(ctx context.Context, s Sink, ev Event) error {
	switch ev.Status {
	case types.TaskSubmitted:
		return s.OnSubmitted(ctx, ev)
	case types.TaskRunning:
		return s.OnRunning(ctx, ev)
	case types.TaskSucceeded:
		return s.OnSucceeded(ctx, ev)
	case types.TaskFailed:
		return s.OnFailed(ctx, ev)
	case types.TaskCancelled:
		return s.OnCancelled(ctx, ev)
	}
	return fmt.Errorf("%w %q", ErrNoHandler, ev.Status)
}

// NotifyError reports a delivery that failed after all retries.
type NotifyError struct {
	Event string
	Err   error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.Event, e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }

// multi fans each event out to several sinks.
type multi []Sink

// Multi returns a sink delivering to every sink in order. All sinks are
// called even if one fails; the failures are joined.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m multi) each(fn func(Sink) error) error {
	var errs []error
	for _, s := range m {
		if err := fn(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multi) OnSubmitted(ctx context.Context, ev Event) error {
	return m.each(func(s Sink) error { return s.OnSubmitted(ctx, ev) })
}

func (m multi) OnRunning(ctx context.Context, ev Event) error {
	return m.each(func(s Sink) error { return s.OnRunning(ctx, ev) })
}

func (m multi) OnSucceeded(ctx context.Context, ev Event) error {
	return m.each(func(s Sink) error { return s.OnSucceeded(ctx, ev) })
}

func (m multi) OnFailed(ctx context.Context, ev Event) error {
	return m.each(func(s Sink) error { return s.OnFailed(ctx, ev) })
}

func (m multi) OnCancelled(ctx context.Context, ev Event) error {
	return m.each(func(s Sink) error { return s.OnCancelled(ctx, ev) })
}

func (m multi) OnScheduledReport(ctx context.Context, r *types.Report) error {
	return m.each(func(s Sink) error { return s.OnScheduledReport(ctx, r) })
}
