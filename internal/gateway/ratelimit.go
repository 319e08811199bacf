package gateway

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/flexinfer/clusterflow/pkg/types"
)

// rateLimited throttles every call into the wrapped gateway. Scheduler CLIs
// and API servers both degrade under bursts of polling.
type rateLimited struct {
	next    Gateway
	limiter *rate.Limiter
}

// WithRateLimit wraps gw so that calls are spread to at most rps per second
// with the given burst. A non-positive rps returns gw unchanged.
func WithRateLimit(gw Gateway, rps float64, burst int) Gateway {
	if rps <= 0 {
		return gw
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{next: gw, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (g *rateLimited) Submit(ctx context.Context, task *types.Task) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", &SubmissionError{Task: task.Name, Err: err}
	}
	return g.next.Submit(ctx, task)
}

func (g *rateLimited) Query(ctx context.Context, jobID string) (*JobInfo, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, &QueryError{Op: "query", JobID: jobID, Err: err}
	}
	return g.next.Query(ctx, jobID)
}

func (g *rateLimited) Cancel(ctx context.Context, jobID string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return &QueryError{Op: "cancel", JobID: jobID, Err: err}
	}
	return g.next.Cancel(ctx, jobID)
}

func (g *rateLimited) List(ctx context.Context, filter ListFilter) ([]JobInfo, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, &QueryError{Op: "list", Err: err}
	}
	return g.next.List(ctx, filter)
}

func (g *rateLimited) ResourceSnapshot(ctx context.Context, partition string) (*types.ResourceSnapshot, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, &QueryError{Op: "resources", Err: err}
	}
	return g.next.ResourceSnapshot(ctx, partition)
}
