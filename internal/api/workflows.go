package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/flexinfer/clusterflow/internal/auth"
	"github.com/flexinfer/clusterflow/internal/catalog"
	"github.com/flexinfer/clusterflow/internal/graph"
	"github.com/flexinfer/clusterflow/internal/workflow"
)

// --- Workflow Catalog ---

// PutWorkflow handles PUT /api/v1/workflows/{name}. The body is the YAML or
// JSON document; a document that names itself must use the same name as
// the path. An If-Match header holding a version makes the write
// conditional.
func (h *Handlers) PutWorkflow(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "workflow catalog not configured", nil)
		return
	}
	name := mux.Vars(r)["name"]

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	wf, err := workflow.Parse(data)
	if err != nil {
		h.respondWorkflowError(w, r, err)
		return
	}
	if wf.Name != name && wf.Name != workflow.DefaultName {
		h.respondError(w, r, http.StatusBadRequest, "workflow name does not match path", nil)
		return
	}
	plan, err := wf.Plan(graph.Selector{})
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid workflow graph", err)
		return
	}

	req := &catalog.PutRequest{
		Name:        name,
		Description: r.URL.Query().Get("description"),
		Source:      string(data),
		Tasks:       plan.Tasks(),
	}
	if claims := auth.GetClaims(r.Context()); claims != nil {
		req.By = claims.Subject
	}
	if v := strings.Trim(r.Header.Get("If-Match"), `"`); v != "" {
		if req.IfVersion, err = strconv.Atoi(v); err != nil || req.IfVersion < 1 {
			h.respondError(w, r, http.StatusBadRequest, "If-Match must be a workflow version", err)
			return
		}
	}
	if err := req.Validate(); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid workflow", err)
		return
	}

	entry, err := h.catalog.Put(r.Context(), req)
	if err != nil {
		if errors.Is(err, catalog.ErrVersionSkew) {
			h.respondError(w, r, http.StatusConflict, "workflow was modified", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to save workflow", err)
		return
	}

	status := http.StatusOK
	if entry.Version == 1 {
		status = http.StatusCreated
	}
	w.Header().Set("ETag", strconv.Quote(strconv.Itoa(entry.Version)))
	h.respondJSON(w, status, entry)
}

// GetWorkflow handles GET /api/v1/workflows/{name}
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "workflow catalog not configured", nil)
		return
	}
	entry, err := h.catalog.Get(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		h.respondCatalogError(w, r, "failed to get workflow", err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(strconv.Itoa(entry.Version)))
	h.respondJSON(w, http.StatusOK, entry)
}

// DeleteWorkflow handles DELETE /api/v1/workflows/{name}
func (h *Handlers) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "workflow catalog not configured", nil)
		return
	}
	if err := h.catalog.Delete(r.Context(), mux.Vars(r)["name"]); err != nil {
		h.respondCatalogError(w, r, "failed to delete workflow", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListWorkflows handles GET /api/v1/workflows
func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "workflow catalog not configured", nil)
		return
	}
	q := r.URL.Query()
	opts := &catalog.ListOptions{
		Limit:     parseIntParam(q.Get("limit"), 100),
		Offset:    parseIntParam(q.Get("offset"), 0),
		CreatedBy: q.Get("created_by"),
	}
	entries, err := h.catalog.List(r.Context(), opts)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list workflows", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"workflows": entries,
		"count":     len(entries),
	})
}

func (h *Handlers) respondCatalogError(w http.ResponseWriter, r *http.Request, message string, err error) {
	if errors.Is(err, catalog.ErrNotFound) {
		h.respondError(w, r, http.StatusNotFound, "workflow not found", err)
		return
	}
	h.respondError(w, r, http.StatusInternalServerError, message, err)
}

// catalogSource returns the stored document for a run created by
// workflow name.
func (h *Handlers) catalogSource(r *http.Request, name string) (string, int, error) {
	if h.catalog == nil {
		return "", http.StatusServiceUnavailable, errors.New("workflow catalog not configured")
	}
	entry, err := h.catalog.Get(r.Context(), name)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return "", http.StatusNotFound, err
	case err != nil:
		return "", http.StatusInternalServerError, err
	}
	return entry.Source, 0, nil
}

// parseIntParam returns def for an empty, malformed or negative value.
func parseIntParam(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
