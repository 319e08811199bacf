package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flexinfer/clusterflow/internal/config"
	"github.com/flexinfer/clusterflow/internal/gateway"
	"github.com/flexinfer/clusterflow/internal/gateway/gatewaytest"
	"github.com/flexinfer/clusterflow/internal/joblog"
	"github.com/flexinfer/clusterflow/internal/tracing"
)

func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	tp, err := tracing.Init(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &app{
		cfg:    &config.Config{Gateway: "slurm", LogLevel: "info"},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer: tp,
		out:    &out,
	}, &out
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunDryRun(t *testing.T) {
	a, out := newTestApp(t)
	path := writeFile(t, `
name: train-eval
tasks:
  - name: prep
    command: ["python", "prep.py"]
  - name: train
    command: ["python", "train.py"]
    depends_on: [prep]
  - name: eval
    command: ["python", "eval.py"]
    depends_on: [train]
  - name: report
    command: ["python", "report.py"]
    depends_on: [prep]
`)

	t.Run("full plan", func(t *testing.T) {
		out.Reset()
		if err := a.dispatch(context.Background(), "run", []string{"--dry-run", path}); err != nil {
			t.Fatalf("dry run: %v", err)
		}
		got := out.String()
		for _, want := range []string{"workflow train-eval: 4 tasks", "level 0: prep\n", "level 2: eval\n"} {
			if !strings.Contains(got, want) {
				t.Errorf("output missing %q:\n%s", want, got)
			}
		}
		_, level1, _ := strings.Cut(got, "level 1: ")
		level1, _, _ = strings.Cut(level1, "\n")
		if !strings.Contains(level1, "train") || !strings.Contains(level1, "report") {
			t.Errorf("level 1 = %q", level1)
		}
	})

	t.Run("from selector", func(t *testing.T) {
		out.Reset()
		if err := a.dispatch(context.Background(), "run", []string{"--dry-run", "--from", "train", path}); err != nil {
			t.Fatalf("dry run: %v", err)
		}
		if got := out.String(); strings.Contains(got, "prep") || !strings.Contains(got, "level 1: eval") {
			t.Errorf("output:\n%s", got)
		}
	})

	t.Run("unknown selector task", func(t *testing.T) {
		err := a.dispatch(context.Background(), "run", []string{"--dry-run", "--only", "ghost", path})
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestRunInvalidWorkflow(t *testing.T) {
	a, out := newTestApp(t)
	path := writeFile(t, "tasks:\n  - name: a\n")

	err := a.dispatch(context.Background(), "run", []string{"--dry-run", path})
	if !errors.Is(err, errFailed) {
		t.Fatalf("err = %v, want errFailed", err)
	}
	if !strings.Contains(out.String(), "/tasks") {
		t.Errorf("schema errors not printed:\n%s", out.String())
	}
}

func TestDispatchUsage(t *testing.T) {
	a, _ := newTestApp(t)

	tests := []struct {
		name string
		cmd  string
		args []string
	}{
		{"unknown command", "deploy", nil},
		{"run without file", "run", nil},
		{"bad flag", "run", []string{"--bogus"}},
		{"history without subcommand", "history", nil},
		{"report without schedule", "report", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := a.dispatch(context.Background(), tt.cmd, tt.args); !errors.Is(err, errUsage) {
				t.Errorf("err = %v, want errUsage", err)
			}
		})
	}
}

func TestHistoryDisabled(t *testing.T) {
	a, _ := newTestApp(t)
	err := a.dispatch(context.Background(), "history", []string{"recent"})
	if err == nil || !strings.Contains(err.Error(), "HISTORY_DB") {
		t.Errorf("err = %v", err)
	}
}

func TestHistoryRecent(t *testing.T) {
	a, out := newTestApp(t)
	a.cfg.HistoryDB = filepath.Join(t.TempDir(), "history.db")

	if err := a.dispatch(context.Background(), "history", []string{"recent", "--limit", "5"}); err != nil {
		t.Fatalf("history recent: %v", err)
	}
	if !strings.HasPrefix(out.String(), "JOB") {
		t.Errorf("output:\n%s", out.String())
	}

	out.Reset()
	if err := a.dispatch(context.Background(), "history", []string{"stats", "--from", "2026-01-01"}); err != nil {
		t.Fatalf("history stats: %v", err)
	}
	if !strings.Contains(out.String(), `"total_jobs": 0`) {
		t.Errorf("output:\n%s", out.String())
	}

	if err := a.dispatch(context.Background(), "history", []string{"stats", "--to", "soon"}); !errors.Is(err, errUsage) {
		t.Errorf("bad date: %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&config.Config{LogFormat: "json", LogLevel: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "task", "prep")

	got := buf.String()
	if strings.Contains(got, "hidden") || !strings.Contains(got, `"task":"prep"`) {
		t.Errorf("log output = %q", got)
	}
}

func withFakeGateway(a *app) *gatewaytest.Gateway {
	gw := gatewaytest.New()
	a.gw = gw
	a.cfg.PollInterval = time.Millisecond
	a.cfg.QueryBackoff = time.Millisecond
	return gw
}

func TestJobsWait(t *testing.T) {
	a, out := newTestApp(t)
	gw := withFakeGateway(a)
	gw.AddJob(gateway.JobInfo{ID: "77", Name: "train"}, "PENDING", "RUNNING", "COMPLETED")
	gw.AddJob(gateway.JobInfo{ID: "78", Name: "eval"}, "PENDING")
	gw.AddJob(gateway.JobInfo{ID: "79", Name: "prep"}, "FAILED")
	ctx := context.Background()

	if err := a.dispatch(ctx, "jobs", []string{"--wait", "77"}); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := out.String(); !strings.Contains(got, "77") || !strings.Contains(got, "succeeded") {
		t.Errorf("output:\n%s", got)
	}

	tests := []struct {
		name string
		args []string
		want error
	}{
		{"timeout", []string{"--wait", "--timeout", "20ms", "78"}, errFailed},
		{"unreachable target", []string{"--wait", "--until", "succeeded", "79"}, errFailed},
		{"scheduler state name", []string{"--wait", "--until", "FAILED", "79"}, nil},
		{"unknown state", []string{"--wait", "--until", "exploded", "79"}, errUsage},
		{"no ids", []string{"--wait"}, errUsage},
		{"ids without wait", []string{"77"}, errUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := a.dispatch(ctx, "jobs", tt.args); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestJobsList(t *testing.T) {
	a, out := newTestApp(t)
	gw := withFakeGateway(a)
	gw.SetList([]gateway.JobInfo{{ID: "12", Name: "train", State: "RUNNING", Partition: "gpu", User: "ana", Nodes: 2}}, nil)

	if err := a.dispatch(context.Background(), "jobs", []string{"--partition", "gpu"}); err != nil {
		t.Fatalf("jobs: %v", err)
	}
	got := out.String()
	if !strings.HasPrefix(got, "JOB") || !strings.Contains(got, "running") || !strings.Contains(got, "train") {
		t.Errorf("output:\n%s", got)
	}
}

func TestLogs(t *testing.T) {
	a, out := newTestApp(t)
	gw := withFakeGateway(a)
	a.cfg.SlurmLogDir = t.TempDir()
	body := "loading data\nepoch 1\nepoch 2\ndone\n"
	if err := os.WriteFile(filepath.Join(a.cfg.SlurmLogDir, "train_77.log"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	gw.AddJob(gateway.JobInfo{ID: "77", Name: "train"}, "RUNNING", "RUNNING", "COMPLETED")
	ctx := context.Background()

	t.Run("last lines", func(t *testing.T) {
		out.Reset()
		if err := a.dispatch(ctx, "logs", []string{"--last", "2", "77"}); err != nil {
			t.Fatalf("logs: %v", err)
		}
		if got := out.String(); got != "epoch 2\ndone\n" {
			t.Errorf("output = %q", got)
		}
	})

	t.Run("follow until finished", func(t *testing.T) {
		out.Reset()
		if err := a.dispatch(ctx, "logs", []string{"--follow", "77"}); err != nil {
			t.Fatalf("logs --follow: %v", err)
		}
		if got := out.String(); got != body {
			t.Errorf("output = %q", got)
		}
	})

	t.Run("name for unknown job", func(t *testing.T) {
		out.Reset()
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "eval_88.log"), []byte("score 0.91\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := a.dispatch(ctx, "logs", []string{"--log-dir", dir, "--name", "eval", "88"}); err != nil {
			t.Fatalf("logs: %v", err)
		}
		if got := out.String(); got != "score 0.91\n" {
			t.Errorf("output = %q", got)
		}
	})

	if err := a.dispatch(ctx, "logs", []string{"404"}); !errors.Is(err, joblog.ErrNotFound) {
		t.Errorf("missing log err = %v", err)
	}
	if err := a.dispatch(ctx, "logs", nil); !errors.Is(err, errUsage) {
		t.Errorf("no job err = %v", err)
	}
}
