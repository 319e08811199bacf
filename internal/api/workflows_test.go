package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flexinfer/clusterflow/internal/catalog"
	"github.com/flexinfer/clusterflow/pkg/types"
)

func withCatalog(o *Options) { o.Catalog = catalog.NewMemoryStore() }

func (e *testEnv) put(t *testing.T, name, body, ifMatch string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("PUT", "/api/v1/workflows/"+name, strings.NewReader(body))
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func TestCatalogDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{"/api/v1/workflows", "/api/v1/workflows/pipeline"} {
		if rec := env.do(t, "GET", path, nil); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s = %d", path, rec.Code)
		}
	}
	rec := env.do(t, "POST", "/api/v1/runs", CreateRunRequest{WorkflowName: "pipeline"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("create by name = %d", rec.Code)
	}
}

func TestPutWorkflow(t *testing.T) {
	env := newTestEnv(t, withCatalog)

	rec := env.put(t, "pipeline", pipeline, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	var entry catalog.Entry
	decode(t, rec, &entry)
	if entry.Version != 1 || len(entry.Tasks) != 2 || rec.Header().Get("ETag") != `"1"` {
		t.Errorf("entry = %+v etag %s", entry, rec.Header().Get("ETag"))
	}

	rec = env.put(t, "pipeline", pipeline, `"1"`)
	if rec.Code != http.StatusOK {
		t.Fatalf("replace = %d %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &entry)
	if entry.Version != 2 {
		t.Errorf("version = %d, want 2", entry.Version)
	}

	tests := []struct {
		name    string
		path    string
		body    string
		ifMatch string
		want    int
	}{
		{"stale version", "pipeline", pipeline, `"1"`, http.StatusConflict},
		{"bad If-Match", "pipeline", pipeline, "latest", http.StatusBadRequest},
		{"name mismatch", "other", pipeline, "", http.StatusBadRequest},
		{"schema error", "broken", "tasks:\n  - name: a\n", "", http.StatusBadRequest},
		{"cycle", "loop", "tasks:\n  - {name: a, command: [x], depends_on: [b]}\n  - {name: b, command: [x], depends_on: [a]}\n", "", http.StatusBadRequest},
		{"unnamed document", "adopted", "tasks:\n  - {name: a, command: [x]}\n", "", http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.put(t, tt.path, tt.body, tt.ifMatch); rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestGetListDeleteWorkflow(t *testing.T) {
	env := newTestEnv(t, withCatalog)
	env.put(t, "pipeline", pipeline, "")
	env.put(t, "adhoc", "tasks:\n  - {name: a, command: [x]}\n", "")

	rec := env.do(t, "GET", "/api/v1/workflows/pipeline", nil)
	var entry catalog.Entry
	decode(t, rec, &entry)
	if rec.Code != http.StatusOK || !strings.Contains(entry.Source, "depends_on: [prep]") {
		t.Errorf("get = %d %+v", rec.Code, entry)
	}

	var list struct {
		Workflows []catalog.Entry `json:"workflows"`
		Count     int             `json:"count"`
	}
	decode(t, env.do(t, "GET", "/api/v1/workflows?limit=1", nil), &list)
	if list.Count != 1 || list.Workflows[0].Name != "adhoc" {
		t.Errorf("list = %+v", list)
	}

	if rec := env.do(t, "DELETE", "/api/v1/workflows/adhoc", nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete = %d", rec.Code)
	}
	if rec := env.do(t, "DELETE", "/api/v1/workflows/adhoc", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete = %d", rec.Code)
	}
	if rec := env.do(t, "GET", "/api/v1/workflows/adhoc", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get deleted = %d", rec.Code)
	}
}

func TestCreateRunFromCatalog(t *testing.T) {
	env := newTestEnv(t, withCatalog)
	env.put(t, "pipeline", pipeline, "")

	resp := env.createRun(t, CreateRunRequest{WorkflowName: "pipeline", Only: "train", AutoStart: true})
	if resp.Workflow != "pipeline" || len(resp.Tasks) != 1 || resp.Tasks[0] != "train" {
		t.Fatalf("resp = %+v", resp)
	}
	if run := env.waitRun(t, resp.RunID); run.Status != types.RunStatusSucceeded {
		t.Errorf("run status = %s", run.Status)
	}

	rec := env.do(t, "POST", "/api/v1/runs", CreateRunRequest{WorkflowName: "missing"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing workflow = %d", rec.Code)
	}
}
