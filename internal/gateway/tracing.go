package gateway

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/clusterflow/pkg/types"
)

type traced struct {
	next   Gateway
	tracer trace.Tracer
}

// WithTracing wraps gw so every call is recorded as a span.
func WithTracing(gw Gateway, tracer trace.Tracer) Gateway {
	if tracer == nil {
		return gw
	}
	return &traced{next: gw, tracer: tracer}
}

func (g *traced) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return g.tracer.Start(ctx, "gateway."+op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (g *traced) Submit(ctx context.Context, task *types.Task) (string, error) {
	ctx, span := g.start(ctx, "submit", attribute.String("task", task.Name))
	id, err := g.next.Submit(ctx, task)
	span.SetAttributes(attribute.String("job_id", id))
	finish(span, err)
	return id, err
}

func (g *traced) Query(ctx context.Context, jobID string) (*JobInfo, error) {
	ctx, span := g.start(ctx, "query", attribute.String("job_id", jobID))
	info, err := g.next.Query(ctx, jobID)
	if info != nil {
		span.SetAttributes(attribute.String("state", info.State))
	}
	finish(span, err)
	return info, err
}

func (g *traced) Cancel(ctx context.Context, jobID string) error {
	ctx, span := g.start(ctx, "cancel", attribute.String("job_id", jobID))
	err := g.next.Cancel(ctx, jobID)
	finish(span, err)
	return err
}

func (g *traced) List(ctx context.Context, filter ListFilter) ([]JobInfo, error) {
	ctx, span := g.start(ctx, "list",
		attribute.String("partition", filter.Partition),
		attribute.String("user", filter.User))
	jobs, err := g.next.List(ctx, filter)
	span.SetAttributes(attribute.Int("jobs", len(jobs)))
	finish(span, err)
	return jobs, err
}

func (g *traced) ResourceSnapshot(ctx context.Context, partition string) (*types.ResourceSnapshot, error) {
	ctx, span := g.start(ctx, "resources", attribute.String("partition", partition))
	snap, err := g.next.ResourceSnapshot(ctx, partition)
	finish(span, err)
	return snap, err
}
