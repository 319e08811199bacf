package runstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flexinfer/clusterflow/pkg/types"
)

func TestMemoryStore_RunLifecycle(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	ctx := context.Background()

	runID, err := store.CreateRun(ctx, "pipeline", []string{"prep", "train"})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	t.Run("new run is queued with not started tasks", func(t *testing.T) {
		run, err := store.GetRun(ctx, runID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if run.Status != types.RunStatusQueued || run.Workflow != "pipeline" {
			t.Errorf("run = %+v", run)
		}
		if len(run.TaskRuns) != 2 || run.TaskRuns["train"].Status != types.TaskNotStarted {
			t.Errorf("task runs = %+v", run.TaskRuns)
		}
	})

	t.Run("running stamps started at once", func(t *testing.T) {
		if err := store.UpdateRunStatus(ctx, runID, types.RunStatusRunning, ""); err != nil {
			t.Fatalf("UpdateRunStatus failed: %v", err)
		}
		meta, _ := store.GetRunMeta(ctx, runID)
		if meta.StartedAt == nil {
			t.Fatal("StartedAt should be set")
		}
		first := *meta.StartedAt
		time.Sleep(2 * time.Millisecond)
		store.UpdateRunStatus(ctx, runID, types.RunStatusRunning, "")
		meta, _ = store.GetRunMeta(ctx, runID)
		if !meta.StartedAt.Equal(first) {
			t.Error("StartedAt should not move")
		}
	})

	t.Run("task run updates are copied", func(t *testing.T) {
		tr := &types.TaskRun{Task: "prep", Status: types.TaskSubmitted, JobID: "42"}
		if err := store.UpdateTaskRun(ctx, runID, tr); err != nil {
			t.Fatalf("UpdateTaskRun failed: %v", err)
		}
		tr.Status = types.TaskFailed

		got, err := store.GetTaskRun(ctx, runID, "prep")
		if err != nil {
			t.Fatalf("GetTaskRun failed: %v", err)
		}
		if got.Status != types.TaskSubmitted || got.JobID != "42" {
			t.Errorf("task run = %+v", got)
		}

		_, err = store.GetTaskRun(ctx, runID, "missing")
		if !errors.Is(err, ErrTaskNotFound) {
			t.Errorf("expected ErrTaskNotFound, got %v", err)
		}
	})

	t.Run("terminal status sets finished at", func(t *testing.T) {
		if err := store.UpdateRunStatus(ctx, runID, types.RunStatusFailed, "train failed"); err != nil {
			t.Fatalf("UpdateRunStatus failed: %v", err)
		}
		meta, _ := store.GetRunMeta(ctx, runID)
		if meta.FinishedAt == nil || meta.Error != "train failed" {
			t.Errorf("meta = %+v", meta)
		}
	})

	t.Run("unknown run", func(t *testing.T) {
		if _, err := store.GetRun(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
			t.Errorf("expected ErrRunNotFound, got %v", err)
		}
		if err := store.UpdateRunStatus(ctx, "nope", types.RunStatusRunning, ""); !errors.Is(err, ErrRunNotFound) {
			t.Errorf("expected ErrRunNotFound, got %v", err)
		}
	})
}

func TestMemoryStore_Events(t *testing.T) {
	store := NewMemoryStore(&Config{EventMaxLen: 3})
	defer store.Close()
	ctx := context.Background()

	runID, _ := store.CreateRun(ctx, "wf", nil)

	ch, cleanup, err := store.Subscribe(ctx, runID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cleanup()

	for i := 0; i < 4; i++ {
		if _, err := store.AppendEvent(ctx, runID, &types.EventInput{
			Type: types.EventTypeTaskStatus,
			Task: "prep",
			Data: types.TaskStatusEvent{Status: types.TaskRunning},
		}); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	t.Run("ring buffer keeps the newest", func(t *testing.T) {
		events, _ := store.GetEventsSince(ctx, runID, "")
		if len(events) != 3 || events[0].ID != "2" {
			t.Errorf("events = %d, first id %s", len(events), events[0].ID)
		}
	})

	t.Run("since is exclusive", func(t *testing.T) {
		events, _ := store.GetEventsSince(ctx, runID, "3")
		if len(events) != 1 || events[0].ID != "4" {
			t.Errorf("events since 3 = %+v", events)
		}
	})

	t.Run("evicted since id resumes at the oldest kept", func(t *testing.T) {
		events, _ := store.GetEventsSince(ctx, runID, "1")
		if len(events) != 3 || events[0].ID != "2" {
			t.Errorf("events since 1 = %d", len(events))
		}
		if events, _ := store.GetEventsSince(ctx, runID, "4"); len(events) != 0 {
			t.Errorf("events since newest = %d", len(events))
		}
	})

	t.Run("subscriber receives events and close on finish", func(t *testing.T) {
		got := 0
		for range 4 {
			select {
			case ev := <-ch:
				if ev.Task != "prep" {
					t.Errorf("event task = %q", ev.Task)
				}
				got++
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for event")
			}
		}
		if got != 4 {
			t.Errorf("received %d events", got)
		}

		store.UpdateRunStatus(ctx, runID, types.RunStatusSucceeded, "")
		select {
		case _, ok := <-ch:
			if ok {
				t.Error("expected channel to be closed")
			}
		case <-time.After(time.Second):
			t.Fatal("channel not closed on finish")
		}
	})

	t.Run("subscribing to a finished run returns a closed channel", func(t *testing.T) {
		ch, cleanup, err := store.Subscribe(ctx, runID)
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer cleanup()
		if _, ok := <-ch; ok {
			t.Error("expected closed channel")
		}
	})
}

func TestMemoryStore_Cancel(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	runID, _ := store.CreateRun(ctx, "wf", []string{"a"})

	if err := store.CancelRun(ctx, runID); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}
	cancelled, err := store.IsCancelled(ctx, runID)
	if err != nil || !cancelled {
		t.Errorf("IsCancelled = %v, %v", cancelled, err)
	}
	meta, _ := store.GetRunMeta(ctx, runID)
	if meta.Status != types.RunStatusCancelled {
		t.Errorf("status = %s", meta.Status)
	}

	t.Run("finished run keeps its status", func(t *testing.T) {
		done, _ := store.CreateRun(ctx, "wf", []string{"a"})
		store.UpdateRunStatus(ctx, done, types.RunStatusSucceeded, "")
		before, _ := store.GetRunMeta(ctx, done)

		if err := store.CancelRun(ctx, done); !errors.Is(err, ErrRunFinished) {
			t.Fatalf("err = %v, want ErrRunFinished", err)
		}
		meta, _ := store.GetRunMeta(ctx, done)
		if meta.Status != types.RunStatusSucceeded || !meta.FinishedAt.Equal(*before.FinishedAt) {
			t.Errorf("meta = %+v", meta)
		}
		if cancelled, _ := store.IsCancelled(ctx, done); cancelled {
			t.Error("finished run flagged cancelled")
		}
	})

	if err := store.CancelRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("missing run err = %v", err)
	}
}

func TestMemoryStore_TTL(t *testing.T) {
	store := NewMemoryStore(&Config{TTLSeconds: 60})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	done, _ := store.CreateRun(ctx, "wf", nil)
	active, _ := store.CreateRun(ctx, "wf", nil)
	store.UpdateRunStatus(ctx, done, types.RunStatusSucceeded, "")
	store.UpdateRunStatus(ctx, active, types.RunStatusRunning, "")

	now = now.Add(2 * time.Minute)
	ids, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != active {
		t.Errorf("runs after expiry = %v, want [%s]", ids, active)
	}
	if _, err := store.GetRun(ctx, done); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expired run: %v", err)
	}
}
