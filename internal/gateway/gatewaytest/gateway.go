// Package gatewaytest provides an in-memory, scripted Gateway for tests.
package gatewaytest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/flexinfer/clusterflow/internal/gateway"
	"github.com/flexinfer/clusterflow/pkg/types"
)

// DefaultScript is the state sequence a job walks through when no script
// is registered for its task.
var DefaultScript = []string{"PENDING", "RUNNING", "COMPLETED"}

// ErrInjected is returned by injected query failures.
var ErrInjected = errors.New("injected failure")

type job struct {
	info   gateway.JobInfo
	script []string
	pos    int
	fixed  string
}

// Gateway is a fake scheduler. Each Query advances the job one step along
// its script and then sticks on the last state.
type Gateway struct {
	mu sync.Mutex

	nextID    int
	jobs      map[string]*job
	scripts   map[string][]string
	submitErr map[string]error
	failQuery map[string]int
	log       []string

	snapshots []types.ResourceSnapshot
	snapPos   int
	snapFail  int
	listed    []gateway.JobInfo
	listErr   error
	cancelled []string
}

var _ gateway.Gateway = (*Gateway)(nil)

// New returns an empty fake.
func New() *Gateway {
	return &Gateway{
		nextID:    1000,
		jobs:      make(map[string]*job),
		scripts:   make(map[string][]string),
		submitErr: make(map[string]error),
		failQuery: make(map[string]int),
	}
}

// Script sets the states reported for the job submitted for task.
func (g *Gateway) Script(task string, states ...string) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts[task] = states
	return g
}

// FailSubmit makes submission of task fail with err.
func (g *Gateway) FailSubmit(task string, err error) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitErr[task] = err
	return g
}

// FailQueries makes the next n queries for jobID fail. A negative n fails
// forever.
func (g *Gateway) FailQueries(jobID string, n int) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failQuery[jobID] = n
	return g
}

// Set pins a job to state, overriding its script.
func (g *Gateway) Set(jobID, state string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if j, ok := g.jobs[jobID]; ok {
		j.fixed = state
	}
}

// AddJob registers a job that was not submitted through the fake.
func (g *Gateway) AddJob(info gateway.JobInfo, states ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(states) == 0 {
		states = []string{info.State}
	}
	g.jobs[info.ID] = &job{info: info, script: states}
}

// SetSnapshots sets the sequence of resource snapshots returned.
func (g *Gateway) SetSnapshots(snaps ...types.ResourceSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snapshots = snaps
	g.snapPos = 0
}

// FailSnapshots makes the next n snapshot calls fail.
func (g *Gateway) FailSnapshots(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snapFail = n
}

// SetList sets the jobs returned by List, along with an optional error.
func (g *Gateway) SetList(jobs []gateway.JobInfo, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listed = jobs
	g.listErr = err
}

// JobID returns the job ID assigned to task, if submitted.
func (g *Gateway) JobID(task string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, j := range g.jobs {
		if j.info.Name == task {
			return id
		}
	}
	return ""
}

// Log returns the ordered record of "submit:<task>" and "done:<task>"
// entries. A done entry is written when a query first reports a terminal
// state.
func (g *Gateway) Log() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.log...)
}

// Submitted returns the tasks submitted, in order.
func (g *Gateway) Submitted() []string {
	var out []string
	for _, e := range g.Log() {
		if len(e) > 7 && e[:7] == "submit:" {
			out = append(out, e[7:])
		}
	}
	return out
}

// Cancelled returns the job IDs passed to Cancel.
func (g *Gateway) Cancelled() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelled...)
}

func (g *Gateway) Submit(ctx context.Context, task *types.Task) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &gateway.SubmissionError{Task: task.Name, Err: err}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.submitErr[task.Name]; ok {
		return "", &gateway.SubmissionError{Task: task.Name, Err: err}
	}
	g.nextID++
	id := strconv.Itoa(g.nextID)
	script := g.scripts[task.Name]
	if len(script) == 0 {
		script = DefaultScript
	}
	now := time.Now()
	g.jobs[id] = &job{
		info: gateway.JobInfo{
			ID:          id,
			Name:        task.Name,
			Partition:   task.Resources.Partition,
			Nodes:       task.Resources.Nodes,
			SubmittedAt: &now,
		},
		script: script,
	}
	g.log = append(g.log, "submit:"+task.Name)
	return id, nil
}

func (g *Gateway) Query(ctx context.Context, jobID string) (*gateway.JobInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, &gateway.QueryError{Op: "query", JobID: jobID, Err: err}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if n := g.failQuery[jobID]; n != 0 {
		if n > 0 {
			g.failQuery[jobID] = n - 1
		}
		return nil, &gateway.QueryError{Op: "query", JobID: jobID, Err: ErrInjected}
	}
	j, ok := g.jobs[jobID]
	if !ok {
		return nil, &gateway.QueryError{Op: "query", JobID: jobID, Err: gateway.ErrJobNotFound}
	}
	state := j.fixed
	if state == "" {
		state = j.script[j.pos]
		if j.pos < len(j.script)-1 {
			j.pos++
		}
	}
	if isTerminal(state) && !isTerminal(j.info.State) {
		g.log = append(g.log, "done:"+j.info.Name)
	}
	j.info.State = state
	info := j.info
	return &info, nil
}

func (g *Gateway) Cancel(ctx context.Context, jobID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	j, ok := g.jobs[jobID]
	if !ok {
		return &gateway.QueryError{Op: "cancel", JobID: jobID, Err: gateway.ErrJobNotFound}
	}
	j.fixed = "CANCELLED"
	g.cancelled = append(g.cancelled, jobID)
	return nil
}

func (g *Gateway) List(ctx context.Context, filter gateway.ListFilter) ([]gateway.JobInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listErr != nil {
		return nil, &gateway.QueryError{Op: "list", Err: g.listErr}
	}
	var out []gateway.JobInfo
	for _, j := range g.listed {
		if filter.Partition != "" && j.Partition != filter.Partition {
			continue
		}
		if filter.User != "" && j.User != filter.User {
			continue
		}
		if filter.Since.IsZero() && isTerminal(j.State) {
			continue
		}
		if !filter.Since.IsZero() && j.FinishedAt != nil && j.FinishedAt.Before(filter.Since) {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (g *Gateway) ResourceSnapshot(ctx context.Context, partition string) (*types.ResourceSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.snapFail > 0 {
		g.snapFail--
		return nil, &gateway.QueryError{Op: "resources", Err: ErrInjected}
	}
	if len(g.snapshots) == 0 {
		return nil, &gateway.QueryError{Op: "resources", Err: fmt.Errorf("no snapshot for partition %q", partition)}
	}
	s := g.snapshots[g.snapPos]
	if g.snapPos < len(g.snapshots)-1 {
		g.snapPos++
	}
	s.Partition = partition
	s.ObservedAt = time.Now()
	return &s, nil
}

func isTerminal(state string) bool {
	switch state {
	case "COMPLETED", "FAILED", "CANCELLED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY":
		return true
	}
	return false
}
