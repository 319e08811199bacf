package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/clusterflow/internal/archive"
	"github.com/flexinfer/clusterflow/internal/callback"
	"github.com/flexinfer/clusterflow/internal/catalog"
	"github.com/flexinfer/clusterflow/internal/config"
	"github.com/flexinfer/clusterflow/internal/gateway"
	"github.com/flexinfer/clusterflow/internal/graph"
	"github.com/flexinfer/clusterflow/internal/history"
	"github.com/flexinfer/clusterflow/internal/monitor"
	"github.com/flexinfer/clusterflow/internal/reporter"
	"github.com/flexinfer/clusterflow/internal/runstore"
	"github.com/flexinfer/clusterflow/internal/scheduler"
	"github.com/flexinfer/clusterflow/internal/workflow"
	"github.com/flexinfer/clusterflow/pkg/types"
)

const maxBodyBytes = 1 << 20

var (
	errRunStarted = errors.New("run already started")
	errNoPlan     = errors.New("run plan is not held by this server")
)

// Options are the dependencies of Handlers. Store, Scheduler and Gateway
// are required; the rest disable their endpoints when nil.
type Options struct {
	Store     runstore.RunStore
	Scheduler *scheduler.Scheduler
	Gateway   gateway.Gateway
	Monitor   *monitor.Config
	Reporter  *reporter.Reporter
	Archive   *archive.Archive
	History   *history.DB
	Catalog   catalog.Store
	Config    *config.Config
	Logger    *slog.Logger
}

// runEntry is a run created through the API and owned by this process.
type runEntry struct {
	workflow *workflow.Workflow
	plan     *graph.Plan
	started  bool
	exec     *scheduler.Execution
	cancel   context.CancelFunc
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store     runstore.RunStore
	scheduler *scheduler.Scheduler
	gw        gateway.Gateway
	monitor   *monitor.Config
	jobs      *monitor.JobMonitor
	reporter  *reporter.Reporter
	archive   *archive.Archive
	history   *history.DB
	catalog   catalog.Store
	config    *config.Config
	logger    *slog.Logger

	// ctx parents every started run; cancelling it stops monitoring
	// without touching cluster jobs.
	ctx  context.Context
	mu   sync.Mutex
	runs map[string]*runEntry
	wg   sync.WaitGroup
}

// NewHandlers creates a new Handlers instance. Runs started through the API
// live until ctx is cancelled.
func NewHandlers(ctx context.Context, opts Options) *Handlers {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Handlers{
		store:     opts.Store,
		scheduler: opts.Scheduler,
		gw:        opts.Gateway,
		monitor:   opts.Monitor,
		jobs:      monitor.NewJobMonitor(opts.Gateway, opts.Monitor, logger),
		reporter:  opts.Reporter,
		archive:   opts.Archive,
		history:   opts.History,
		catalog:   opts.Catalog,
		config:    cfg,
		logger:    logger,
		ctx:       ctx,
		runs:      make(map[string]*runEntry),
	}
}

// Wait blocks until every run started through the API has recorded its
// final status.
func (h *Handlers) Wait() {
	h.wg.Wait()
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.store.AdapterInfo(ctx)
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "runstore unhealthy", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ready",
		"runstore": info,
	})
}

// --- Run Management ---

// CreateRunRequest is the request body for creating a run.
type CreateRunRequest struct {
	// Workflow is a YAML or JSON workflow document. WorkflowName runs a
	// document saved in the catalog instead.
	Workflow     string `json:"workflow,omitempty"`
	WorkflowName string `json:"workflow_name,omitempty"`
	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
	Only         string `json:"only,omitempty"`
	AutoStart    bool   `json:"auto_start,omitempty"`
}

// CreateRunResponse is the response body after creating a run.
type CreateRunResponse struct {
	RunID    string     `json:"run_id"`
	Workflow string     `json:"workflow"`
	Status   string     `json:"status"`
	Tasks    []string   `json:"tasks"`
	Levels   [][]string `json:"levels"`
	SSEURL   string     `json:"sse_url,omitempty"`
}

// CreateRun handles POST /api/v1/runs
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Workflow) == "" && req.WorkflowName != "" {
		src, status, err := h.catalogSource(r, req.WorkflowName)
		if err != nil {
			h.respondError(w, r, status, "failed to load workflow", err)
			return
		}
		req.Workflow = src
	}
	if strings.TrimSpace(req.Workflow) == "" {
		h.respondError(w, r, http.StatusBadRequest, "workflow is required", nil)
		return
	}

	wf, err := workflow.Parse([]byte(req.Workflow))
	if err != nil {
		h.respondWorkflowError(w, r, err)
		return
	}
	plan, err := wf.Plan(graph.Selector{From: req.From, To: req.To, Only: req.Only})
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid workflow graph", err)
		return
	}

	runID, err := h.store.CreateRun(ctx, wf.Name, plan.Tasks())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to create run", err)
		return
	}

	h.mu.Lock()
	h.runs[runID] = &runEntry{workflow: wf, plan: plan}
	h.mu.Unlock()

	resp := CreateRunResponse{
		RunID:    runID,
		Workflow: wf.Name,
		Status:   "created",
		Tasks:    plan.Tasks(),
		Levels:   plan.Levels(),
	}

	if req.AutoStart {
		if err := h.startRun(ctx, runID); err != nil {
			h.logger.Error("failed to start run", "error", err, "run_id", runID)
		} else {
			resp.Status = string(types.RunStatusRunning)
			resp.SSEURL = "/api/v1/runs/" + runID + "/events"
		}
	}

	h.respondJSON(w, http.StatusCreated, resp)
}

// StartRun handles POST /api/v1/runs/{id}/start
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	if _, err := h.store.GetRunMeta(ctx, runID); err != nil {
		h.respondStoreError(w, r, "failed to get run", err)
		return
	}

	if err := h.startRun(ctx, runID); err != nil {
		switch {
		case errors.Is(err, errRunStarted), errors.Is(err, errNoPlan):
			h.respondError(w, r, http.StatusConflict, "run cannot be started", err)
		default:
			h.respondError(w, r, http.StatusServiceUnavailable, "failed to start run", err)
		}
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":  runID,
		"status":  types.RunStatusRunning,
		"sse_url": "/api/v1/runs/" + runID + "/events",
	})
}

// startRun hands a created run to the scheduler. The request context only
// bounds the initial status write; the run itself lives under h.ctx.
func (h *Handlers) startRun(ctx context.Context, runID string) error {
	if h.scheduler == nil {
		return errors.New("scheduler not configured")
	}

	h.mu.Lock()
	entry, ok := h.runs[runID]
	if !ok {
		h.mu.Unlock()
		return errNoPlan
	}
	if entry.started {
		h.mu.Unlock()
		return errRunStarted
	}
	runCtx, cancel := context.WithCancel(h.ctx)
	entry.started, entry.cancel = true, cancel
	h.mu.Unlock()

	if err := h.store.UpdateRunStatus(ctx, runID, types.RunStatusRunning, ""); err != nil {
		cancel()
		return fmt.Errorf("mark run running: %w", err)
	}
	h.appendRunStatus(ctx, runID, types.RunStatusRunning, "")

	var sink callback.Sink = callback.NewRunStoreSink(h.store, runID)
	if h.history != nil {
		sink = callback.Multi(sink, callback.NewHistorySink(h.history, entry.workflow.Tasks, h.logger))
	}
	exec := h.scheduler.Start(runCtx, entry.plan,
		scheduler.WithRunID(runID),
		scheduler.WithWorkflow(entry.workflow.Name),
		scheduler.WithSink(sink),
	)

	h.mu.Lock()
	entry.exec = exec
	h.mu.Unlock()

	h.wg.Add(1)
	go h.finishRun(runID, exec, cancel)
	return nil
}

// finishRun waits for the execution and records its outcome. Skipped tasks
// never reach the lifecycle sinks, so their records are written here.
func (h *Handlers) finishRun(runID string, exec *scheduler.Execution, cancel context.CancelFunc) {
	defer h.wg.Done()
	defer cancel()

	res, runErr := exec.Wait()
	ctx := context.WithoutCancel(h.ctx)

	for _, name := range res.Order {
		tr := res.Tasks[name]
		if !tr.Skipped {
			continue
		}
		rec := &types.TaskRun{Task: name, Status: types.TaskSkipped}
		if tr.Err != nil {
			rec.Error = tr.Err.Error()
		}
		if err := h.store.UpdateTaskRun(ctx, runID, rec); err != nil {
			h.logger.Warn("failed to record skipped task", "run_id", runID, "task", name, "error", err)
		}
	}

	var msg string
	if runErr != nil {
		msg = runErr.Error()
	} else if failed := res.Failed(); len(failed) > 0 {
		msg = "failed tasks: " + strings.Join(failed, ", ")
	}
	h.appendRunStatus(ctx, runID, res.Status, msg)
	if err := h.store.UpdateRunStatus(ctx, runID, res.Status, msg); err != nil {
		h.logger.Error("failed to record run status", "run_id", runID, "status", res.Status, "error", err)
	}
	h.forget(runID)
}

// forget drops the in-process plan of a run. The store keeps its record.
func (h *Handlers) forget(runID string) {
	h.mu.Lock()
	delete(h.runs, runID)
	h.mu.Unlock()
}

func (h *Handlers) appendRunStatus(ctx context.Context, runID string, status types.RunStatus, msg string) {
	_, err := h.store.AppendEvent(ctx, runID, &types.EventInput{
		Type: types.EventTypeRunStatus,
		Data: types.RunStatusEvent{Status: status, Error: msg},
	})
	if err != nil {
		h.logger.Warn("failed to append run status event", "run_id", runID, "error", err)
	}
}

// ListRuns handles GET /api/v1/runs. An optional status query parameter
// filters the result.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	want := types.RunStatus(r.URL.Query().Get("status"))

	runIDs, err := h.store.ListRuns(ctx)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list runs", err)
		return
	}

	runs := make([]*types.RunMeta, 0, len(runIDs))
	for _, id := range runIDs {
		meta, err := h.store.GetRunMeta(ctx, id)
		if err != nil {
			if errors.Is(err, runstore.ErrRunNotFound) {
				continue
			}
			h.respondError(w, r, http.StatusInternalServerError, "failed to get run", err)
			return
		}
		if want != "" && meta.Status != want {
			continue
		}
		runs = append(runs, meta)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		h.respondStoreError(w, r, "failed to get run", err)
		return
	}

	h.respondJSON(w, http.StatusOK, run)
}

// CancelRun handles POST /api/v1/runs/{id}/cancel. Monitoring stops and the
// run is marked cancelled; with cancel_jobs=true the run's unfinished jobs
// are also cancelled on the cluster.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	cancelled, err := h.cancelRun(r.Context(), runID, r.URL.Query().Get("cancel_jobs") == "true")
	if errors.Is(err, runstore.ErrRunFinished) {
		writeErrorResponse(w, r, http.StatusConflict, ErrCodeRunFinished, "run already finished", nil)
		return
	}
	if err != nil {
		h.respondStoreError(w, r, "failed to cancel run", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         types.RunStatusCancelled,
		"cancelled_jobs": cancelled,
	})
}

// DeleteRun handles DELETE /api/v1/runs/{id}. An unfinished run is
// cancelled first; the stored record expires with the store's TTL.
func (h *Handlers) DeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	if _, err := h.cancelRun(r.Context(), runID, false); err != nil && !errors.Is(err, runstore.ErrRunFinished) {
		h.respondStoreError(w, r, "failed to delete run", err)
		return
	}
	h.forget(runID)

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) cancelRun(ctx context.Context, runID string, cancelJobs bool) ([]string, error) {
	var (
		exec   *scheduler.Execution
		cancel context.CancelFunc
	)
	h.mu.Lock()
	if entry := h.runs[runID]; entry != nil {
		if entry.started {
			exec, cancel = entry.exec, entry.cancel
		} else {
			// A cancelled run can no longer be started.
			delete(h.runs, runID)
		}
	}
	h.mu.Unlock()

	var cancelled []string
	if cancel != nil {
		if cancelJobs && exec != nil && h.gw != nil {
			for _, tr := range exec.Snapshot() {
				if tr.JobID == "" || tr.Status.IsTerminal() {
					continue
				}
				if err := h.gw.Cancel(ctx, tr.JobID); err != nil {
					h.logger.Warn("failed to cancel job", "run_id", runID, "job_id", tr.JobID, "error", err)
					continue
				}
				cancelled = append(cancelled, tr.JobID)
			}
			sort.Strings(cancelled)
		}
		cancel()
	}

	// A live run interrupted here may record its own terminal status first.
	if err := h.store.CancelRun(ctx, runID); err != nil && (cancel == nil || !errors.Is(err, runstore.ErrRunFinished)) {
		return nil, err
	}
	return cancelled, nil
}

// --- Workflows ---

// ValidateResponse is the response body of workflow validation.
type ValidateResponse struct {
	*workflow.ValidationResult
	Name   string     `json:"name,omitempty"`
	Levels [][]string `json:"levels,omitempty"`
}

// ValidateWorkflow handles POST /api/v1/workflows/validate. The body is a
// YAML or JSON workflow document. A valid document also reports its
// execution levels.
func (h *Handlers) ValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	resp := ValidateResponse{ValidationResult: workflow.Validate(data)}
	if resp.Valid {
		resp.check(data)
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (v *ValidateResponse) check(data []byte) {
	fail := func(path string, err error) {
		v.Valid = false
		v.Errors = append(v.Errors, workflow.FieldError{Path: path, Message: err.Error()})
	}
	wf, err := workflow.Parse(data)
	if err != nil {
		fail("/tasks", err)
		return
	}
	plan, err := wf.Plan(graph.Selector{})
	if err != nil {
		fail("/tasks", err)
		return
	}
	v.Name, v.Levels = wf.Name, plan.Levels()
}

// --- RunStore Diagnostics ---

// RunStoreInfo handles GET /api/v1/runstore/info
func (h *Handlers) RunStoreInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to get runstore info", err)
		return
	}

	h.respondJSON(w, http.StatusOK, info)
}

// RunStoreSelfCheck handles GET /api/v1/runstore/selfcheck
func (h *Handlers) RunStoreSelfCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	runID, err := h.store.CreateRun(ctx, "_selfcheck", nil)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "selfcheck failed: create", err)
		return
	}

	_, err = h.store.AppendEvent(ctx, runID, &types.EventInput{
		Type: types.EventTypeLog,
		Data: map[string]string{"message": "selfcheck"},
	})
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "selfcheck failed: append", err)
		return
	}

	events, err := h.store.GetEventsSince(ctx, runID, "")
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "selfcheck failed: read", err)
		return
	}

	if err := h.store.CancelRun(ctx, runID); err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "selfcheck failed: cleanup", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"latency_ms":  time.Since(start).Milliseconds(),
		"event_count": len(events),
	})
}

// --- Helper Methods ---

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	var details map[string]interface{}
	if err != nil {
		details = map[string]interface{}{"cause": err.Error()}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, "error", err, "status", status, "path", r.URL.Path)
	} else {
		h.logger.Debug(message, "error", err, "status", status, "path", r.URL.Path)
	}
	writeErrorResponse(w, r, status, errorCode(status), message, details)
}

func (h *Handlers) respondStoreError(w http.ResponseWriter, r *http.Request, message string, err error) {
	if errors.Is(err, runstore.ErrRunNotFound) {
		h.respondError(w, r, http.StatusNotFound, "run not found", err)
		return
	}
	h.respondError(w, r, http.StatusInternalServerError, message, err)
}

func (h *Handlers) respondWorkflowError(w http.ResponseWriter, r *http.Request, err error) {
	var serr *workflow.SchemaError
	if errors.As(err, &serr) {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeInvalidWorkflow, "workflow failed schema validation",
			map[string]interface{}{"errors": serr.Errors})
		return
	}
	h.respondError(w, r, http.StatusBadRequest, "invalid workflow", err)
}
