package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/flexinfer/clusterflow/pkg/types"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func task(name string, gpus int) *types.Task {
	r := types.DefaultResources()
	r.Nodes = 2
	r.GPUsPerNode = gpus
	return &types.Task{
		Name:        name,
		Command:     []string{"python", "train.py"},
		Resources:   r,
		Environment: types.Environment{Kind: types.EnvConda, Value: "ml"},
		LogDir:      "/logs",
	}
}

func TestDB_RecordAndRecent(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := db.RecordSubmission(ctx, Submission{JobID: "101", Task: task("prep", 0), Workflow: "pipeline", RunID: "r1", At: base}); err != nil {
		t.Fatalf("RecordSubmission failed: %v", err)
	}
	if err := db.RecordSubmission(ctx, Submission{
		JobID: "102", Task: task("train", 4), Workflow: "pipeline", At: base.Add(time.Minute),
		Metadata: map[string]string{"owner": "ml-team"},
	}); err != nil {
		t.Fatalf("RecordSubmission failed: %v", err)
	}
	if err := db.RecordCompletion(ctx, "102", types.TaskSucceeded, base.Add(31*time.Minute)); err != nil {
		t.Fatalf("RecordCompletion failed: %v", err)
	}

	recs, err := db.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}

	newest := recs[0]
	if newest.JobID != "102" || newest.Status != types.TaskSucceeded {
		t.Errorf("newest = %+v", newest)
	}
	if newest.DurationSeconds == nil || *newest.DurationSeconds != 1800 {
		t.Errorf("duration = %v", newest.DurationSeconds)
	}
	if newest.Metadata["owner"] != "ml-team" {
		t.Errorf("metadata = %v", newest.Metadata)
	}
	if newest.Environment != "conda:ml" || newest.LogFile != "/logs/train_102.log" {
		t.Errorf("environment/log = %q %q", newest.Environment, newest.LogFile)
	}

	older := recs[1]
	if older.Status != types.TaskSubmitted || older.CompletedAt != nil || older.RunID != "r1" {
		t.Errorf("older = %+v", older)
	}
}

func TestDB_RecordCompletionUnknownJob(t *testing.T) {
	db := openTest(t)
	err := db.RecordCompletion(context.Background(), "999", types.TaskFailed, time.Time{})
	if !errors.Is(err, ErrNotRecorded) {
		t.Errorf("expected ErrNotRecorded, got %v", err)
	}
}

func TestDB_Stats(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	jobs := []struct {
		id     string
		gpus   int
		status types.TaskStatus
		offset time.Duration
		dur    time.Duration
	}{
		{"1", 4, types.TaskSucceeded, 0, time.Hour},
		{"2", 0, types.TaskFailed, time.Hour, 30 * time.Minute},
		{"3", 2, types.TaskSucceeded, 48 * time.Hour, time.Hour},
	}
	for _, j := range jobs {
		at := base.Add(j.offset)
		if err := db.RecordSubmission(ctx, Submission{JobID: j.id, Task: task("t"+j.id, j.gpus), Workflow: "wf", At: at}); err != nil {
			t.Fatalf("RecordSubmission failed: %v", err)
		}
		if err := db.RecordCompletion(ctx, j.id, j.status, at.Add(j.dur)); err != nil {
			t.Fatalf("RecordCompletion failed: %v", err)
		}
	}

	t.Run("all time", func(t *testing.T) {
		st, err := db.Stats(ctx, time.Time{}, time.Time{})
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if st.TotalJobs != 3 || st.JobsByStatus[types.TaskSucceeded] != 2 || st.JobsByStatus[types.TaskFailed] != 1 {
			t.Errorf("stats = %+v", st)
		}
		// 1h*4*2 + 0 + 1h*2*2
		if st.TotalGPUHours != 12 {
			t.Errorf("gpu hours = %v, want 12", st.TotalGPUHours)
		}
		if st.AvgDurationSeconds == nil || *st.AvgDurationSeconds != 3000 {
			t.Errorf("avg duration = %v", st.AvgDurationSeconds)
		}
	})

	t.Run("date range", func(t *testing.T) {
		st, err := db.Stats(ctx, base, base.Add(24*time.Hour))
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if st.TotalJobs != 2 {
			t.Errorf("expected 2 jobs in range, got %d", st.TotalJobs)
		}
		if st.From == nil || st.To == nil {
			t.Error("range bounds should be echoed")
		}
	})

	t.Run("workflow", func(t *testing.T) {
		ws, err := db.WorkflowStats(ctx, "wf")
		if err != nil {
			t.Fatalf("WorkflowStats failed: %v", err)
		}
		if ws.TotalExecutions != 3 || ws.FirstExecution == nil || !ws.FirstExecution.Equal(base) {
			t.Errorf("workflow stats = %+v", ws)
		}

		none, err := db.WorkflowStats(ctx, "missing")
		if err != nil {
			t.Fatalf("WorkflowStats failed: %v", err)
		}
		if none.TotalExecutions != 0 || none.AvgDurationSeconds != nil {
			t.Errorf("missing workflow stats = %+v", none)
		}
	})
}
