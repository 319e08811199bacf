package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/clusterflow/internal/archive"
	"github.com/flexinfer/clusterflow/internal/gateway"
	"github.com/flexinfer/clusterflow/internal/monitor"
	"github.com/flexinfer/clusterflow/pkg/types"
)

const dayLayout = "2006-01-02"

// JobView is a cluster job with its canonical state.
type JobView struct {
	gateway.JobInfo
	Status types.JobState `json:"status"`
}

// --- Jobs ---

// ListJobs handles GET /api/v1/jobs. Query parameters partition, user and
// state (comma separated) narrow the listing; since accepts an RFC 3339
// time or a duration back from now and includes finished jobs.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := gateway.ListFilter{
		Partition: q.Get("partition"),
		User:      q.Get("user"),
	}
	if s := q.Get("state"); s != "" {
		filter.States = strings.Split(s, ",")
	}
	if s := q.Get("since"); s != "" {
		since, err := parseSince(s, time.Now())
		if err != nil {
			h.respondError(w, r, http.StatusBadRequest, "invalid since", err)
			return
		}
		filter.Since = since
	}

	jobs, err := h.gw.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, http.StatusBadGateway, "failed to list jobs", err)
		return
	}

	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, JobView{JobInfo: j, Status: h.jobs.Normalize(j.State)})
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"jobs": views})
}

// GetJob handles GET /api/v1/jobs/{id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	state, info, err := h.jobs.Status(r.Context(), jobID)
	if err != nil {
		h.respondGatewayError(w, r, "failed to query job", err)
		return
	}

	h.respondJSON(w, http.StatusOK, JobView{JobInfo: *info, Status: state})
}

// CancelJob handles DELETE /api/v1/jobs/{id}
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	if err := h.gw.Cancel(r.Context(), jobID); err != nil {
		h.respondGatewayError(w, r, "failed to cancel job", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Resources ---

// GetResources handles GET /api/v1/resources?partition=
func (h *Handlers) GetResources(w http.ResponseWriter, r *http.Request) {
	partition := r.URL.Query().Get("partition")

	snap, err := monitor.NewResourceMonitor(h.gw, partition, h.monitor, h.logger).Snapshot(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusBadGateway, "failed to read cluster resources", err)
		return
	}

	stats := snap.Stats()
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"snapshot":    snap,
		"stats":       stats,
		"utilization": stats.Utilization(),
	})
}

// --- Reports ---

// CurrentReport handles GET /api/v1/reports/now, building a report on
// demand with the reporter's sections and filters.
func (h *Handlers) CurrentReport(w http.ResponseWriter, r *http.Request) {
	if h.reporter == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "reporter not configured", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, h.reporter.BuildReport(r.Context()))
}

// ListReports handles GET /api/v1/reports?day=YYYY-MM-DD (default today, UTC).
func (h *Handlers) ListReports(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "report archive not configured", nil)
		return
	}

	day := time.Now().UTC()
	if s := r.URL.Query().Get("day"); s != "" {
		d, err := time.Parse(dayLayout, s)
		if err != nil {
			h.respondError(w, r, http.StatusBadRequest, "invalid day", err)
			return
		}
		day = d
	}

	refs, err := h.archive.ListReports(r.Context(), day)
	if err != nil {
		h.respondError(w, r, http.StatusBadGateway, "failed to list reports", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"day":     day.Format(dayLayout),
		"reports": refs,
	})
}

// GetReport handles GET /api/v1/reports/object?key=. With link=true it
// returns a temporary download URL instead of the report body.
func (h *Handlers) GetReport(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "report archive not configured", nil)
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		h.respondError(w, r, http.StatusBadRequest, "key is required", nil)
		return
	}

	if r.URL.Query().Get("link") == "true" {
		url, err := h.archive.Link(r.Context(), key, 15*time.Minute)
		if err != nil {
			if errors.Is(err, archive.ErrPresignUnsupported) {
				h.respondError(w, r, http.StatusNotImplemented, "archive cannot issue links", err)
				return
			}
			h.respondError(w, r, http.StatusBadGateway, "failed to presign report", err)
			return
		}
		h.respondJSON(w, http.StatusOK, map[string]string{"key": key, "url": url})
		return
	}

	report, err := h.archive.LoadReport(r.Context(), key)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			h.respondError(w, r, http.StatusNotFound, "report not found", err)
			return
		}
		h.respondError(w, r, http.StatusBadGateway, "failed to load report", err)
		return
	}
	h.respondJSON(w, http.StatusOK, report)
}

// --- History ---

// RecentJobs handles GET /api/v1/history/recent?limit=
func (h *Handlers) RecentJobs(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "job history not configured", nil)
		return
	}

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.respondError(w, r, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	records, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to read history", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"jobs": records})
}

// HistoryStats handles GET /api/v1/history/stats?from=&to=. Bounds are
// dates or RFC 3339 times; an absent bound leaves that end open.
func (h *Handlers) HistoryStats(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "job history not configured", nil)
		return
	}

	var from, to time.Time
	for _, b := range []struct {
		name string
		dst  *time.Time
		end  bool
	}{{"from", &from, false}, {"to", &to, true}} {
		s := r.URL.Query().Get(b.name)
		if s == "" {
			continue
		}
		t, err := parseBound(s, b.end)
		if err != nil {
			h.respondError(w, r, http.StatusBadRequest, "invalid "+b.name, err)
			return
		}
		*b.dst = t
	}

	stats, err := h.history.Stats(r.Context(), from, to)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to compute stats", err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

// WorkflowHistory handles GET /api/v1/history/workflows/{name}
func (h *Handlers) WorkflowHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "job history not configured", nil)
		return
	}

	stats, err := h.history.WorkflowStats(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to compute workflow stats", err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

func (h *Handlers) respondGatewayError(w http.ResponseWriter, r *http.Request, message string, err error) {
	if errors.Is(err, gateway.ErrJobNotFound) {
		h.respondError(w, r, http.StatusNotFound, "job not found", err)
		return
	}
	h.respondError(w, r, http.StatusBadGateway, message, err)
}

// parseSince accepts an RFC 3339 time, a date, or a duration before now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, errors.New("duration must not be negative")
		}
		return now.Add(-d), nil
	}
	return parseBound(s, false)
}

// parseBound parses an RFC 3339 time or a date. A date used as an upper
// bound covers the whole day.
func parseBound(s string, end bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	if end {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
