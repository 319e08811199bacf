package slurm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/flexinfer/clusterflow/internal/gateway"
	"github.com/flexinfer/clusterflow/pkg/types"
)

type call struct {
	name  string
	args  []string
	stdin string
}

// mockRunner returns canned output per binary.
type mockRunner struct {
	out   map[string]string
	errs  map[string]error
	calls []call
}

func (m *mockRunner) Run(ctx context.Context, name string, args []string, stdin string) ([]byte, error) {
	m.calls = append(m.calls, call{name: name, args: args, stdin: stdin})
	if err := m.errs[name]; err != nil {
		return nil, err
	}
	return []byte(m.out[name]), nil
}

func newTask() *types.Task {
	return &types.Task{
		Name:      "train",
		Command:   []string{"python", "train.py", "--note", "it's fine"},
		Resources: types.Resources{Nodes: 2, GPUsPerNode: 4, NTasksPerNode: 1, CPUsPerTask: 8, Partition: "gpu", TimeLimit: "01:00:00"},
		Environment: types.Environment{
			Kind:    types.EnvConda,
			Value:   "ml",
			EnvVars: map[string]string{"B": "2", "A": "hello world"},
		},
		LogDir: "/scratch/logs",
	}
}

func TestSubmit(t *testing.T) {
	t.Run("renders script and parses job id", func(t *testing.T) {
		r := &mockRunner{out: map[string]string{"sbatch": "Submitted batch job 4242\n"}}
		g := New(nil, r, nil)

		id, err := g.Submit(context.Background(), newTask())
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if id != "4242" {
			t.Errorf("expected id 4242, got %q", id)
		}

		script := r.calls[0].stdin
		for _, want := range []string{
			"#SBATCH --job-name=train",
			"#SBATCH --nodes=2",
			"#SBATCH --gpus-per-node=4",
			"#SBATCH --cpus-per-task=8",
			"#SBATCH --partition=gpu",
			"#SBATCH --time=01:00:00",
			"#SBATCH --output=/scratch/logs/%x_%j.log",
			"conda activate ml",
			"export A='hello world'",
			`python train.py --note 'it'\''s fine'`,
		} {
			if !strings.Contains(script, want) {
				t.Errorf("script missing %q:\n%s", want, script)
			}
		}
		if strings.Index(script, "export A=") > strings.Index(script, "export B=") {
			t.Error("env vars should be exported in sorted order")
		}
	})

	t.Run("container tasks launch through srun", func(t *testing.T) {
		r := &mockRunner{out: map[string]string{"sbatch": "Submitted batch job 7"}}
		task := newTask()
		task.Environment = types.Environment{Kind: types.EnvContainer, Value: "/images/pytorch.sqsh"}
		if _, err := New(nil, r, nil).Submit(context.Background(), task); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if !strings.Contains(r.calls[0].stdin, "srun --container-image=/images/pytorch.sqsh python train.py") {
			t.Errorf("unexpected script:\n%s", r.calls[0].stdin)
		}
	})

	t.Run("shell tasks are submitted by path", func(t *testing.T) {
		r := &mockRunner{out: map[string]string{"sbatch": "12;cluster"}}
		task := &types.Task{Name: "prep", ScriptPath: "/jobs/prep.sh", Resources: types.DefaultResources()}
		id, err := New(nil, r, nil).Submit(context.Background(), task)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if id != "12" {
			t.Errorf("expected id 12, got %q", id)
		}
		if got := r.calls[0].args; len(got) != 1 || got[0] != "/jobs/prep.sh" {
			t.Errorf("unexpected args %v", got)
		}
	})

	t.Run("sbatch failure is a SubmissionError", func(t *testing.T) {
		r := &mockRunner{errs: map[string]error{"sbatch": errors.New("invalid partition")}}
		_, err := New(nil, r, nil).Submit(context.Background(), newTask())
		var serr *gateway.SubmissionError
		if !errors.As(err, &serr) {
			t.Fatalf("expected SubmissionError, got %v", err)
		}
		if serr.Task != "train" {
			t.Errorf("expected task train, got %q", serr.Task)
		}
	})

	t.Run("garbage output is rejected", func(t *testing.T) {
		r := &mockRunner{out: map[string]string{"sbatch": "sbatch: error: something"}}
		_, err := New(nil, r, nil).Submit(context.Background(), newTask())
		if err == nil {
			t.Fatal("expected error for non-numeric job id")
		}
	})
}

func TestQuery(t *testing.T) {
	t.Run("sacct record", func(t *testing.T) {
		r := &mockRunner{out: map[string]string{
			"sacct": "4242|train|CANCELLED by 1000|gpu|alice|2|2024-05-01T10:00:00|2024-05-01T10:01:00|2024-05-01T11:00:00\n",
		}}
		info, err := New(nil, r, nil).Query(context.Background(), "4242")
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if info.State != "CANCELLED by 1000" || info.User != "alice" || info.Nodes != 2 {
			t.Errorf("unexpected info %+v", info)
		}
		if info.FinishedAt == nil || info.FinishedAt.Hour() != 11 {
			t.Errorf("unexpected finish time %v", info.FinishedAt)
		}
		if len(r.calls) != 1 {
			t.Errorf("expected no squeue fallback, got %d calls", len(r.calls))
		}
	})

	t.Run("falls back to squeue", func(t *testing.T) {
		r := &mockRunner{out: map[string]string{
			"sacct":  "",
			"squeue": "4242|train|PENDING|gpu|alice|2|2024-05-01T10:00:00|N/A\n",
		}}
		info, err := New(nil, r, nil).Query(context.Background(), "4242")
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if info.State != "PENDING" || info.StartedAt != nil {
			t.Errorf("unexpected info %+v", info)
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		r := &mockRunner{out: map[string]string{}}
		_, err := New(nil, r, nil).Query(context.Background(), "1")
		if !errors.Is(err, gateway.ErrJobNotFound) {
			t.Fatalf("expected ErrJobNotFound, got %v", err)
		}
	})

	t.Run("both tools failing", func(t *testing.T) {
		r := &mockRunner{errs: map[string]error{
			"sacct":  errors.New("accounting disabled"),
			"squeue": errors.New("controller down"),
		}}
		_, err := New(nil, r, nil).Query(context.Background(), "1")
		var qerr *gateway.QueryError
		if !errors.As(err, &qerr) {
			t.Fatalf("expected QueryError, got %v", err)
		}
		if !strings.Contains(err.Error(), "controller down") {
			t.Errorf("error should carry squeue failure: %v", err)
		}
	})
}

func TestList(t *testing.T) {
	t.Run("live queue via squeue", func(t *testing.T) {
		r := &mockRunner{out: map[string]string{
			"squeue": "1|a|PENDING|gpu|bob|1|2024-05-01T10:00:00|N/A\n2|b|RUNNING|gpu|bob|1|2024-05-01T10:00:00|2024-05-01T10:05:00\n",
		}}
		jobs, err := New(nil, r, nil).List(context.Background(), gateway.ListFilter{User: "bob", Partition: "gpu"})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(jobs) != 2 {
			t.Fatalf("expected 2 jobs, got %d", len(jobs))
		}
		args := strings.Join(r.calls[0].args, " ")
		if !strings.Contains(args, "--user=bob") || !strings.Contains(args, "--partition=gpu") {
			t.Errorf("unexpected args %q", args)
		}
	})

	t.Run("history via sacct", func(t *testing.T) {
		r := &mockRunner{out: map[string]string{
			"sacct": "9|x|COMPLETED|gpu|bob|1|2024-05-01T10:00:00|2024-05-01T10:00:00|2024-05-01T10:10:00\n",
		}}
		since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.Local)
		jobs, err := New(nil, r, nil).List(context.Background(), gateway.ListFilter{Since: since})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(jobs) != 1 || jobs[0].State != "COMPLETED" {
			t.Errorf("unexpected jobs %+v", jobs)
		}
		args := strings.Join(r.calls[0].args, " ")
		if !strings.Contains(args, "--starttime=2024-05-01T00:00:00") || !strings.Contains(args, "--allusers") {
			t.Errorf("unexpected args %q", args)
		}
	})
}

func TestResourceSnapshot(t *testing.T) {
	r := &mockRunner{out: map[string]string{"sinfo": strings.Join([]string{
		"node01 idle gpu:a100:4(S:0-1) gpu:a100:0(IDX:N/A)",
		"node02 mixed gpu:a100:4(S:0-1) gpu:a100:3(IDX:0-2)",
		"node02 mixed gpu:a100:4(S:0-1) gpu:a100:3(IDX:0-2)",
		"node03 down* gpu:a100:4 gpu:a100:0",
		"node04 allocated gpu:2(IDX:0,1),gpu:v100:2 gpu:4(IDX:0-3)",
		"node05 idle (null) (null)",
	}, "\n")}}

	snap, err := New(nil, r, nil).ResourceSnapshot(context.Background(), "gpu")
	if err != nil {
		t.Fatalf("ResourceSnapshot failed: %v", err)
	}
	want := types.ResourceSnapshot{Partition: "gpu", TotalGPUs: 12, GPUsInUse: 7, NodesTotal: 5, NodesIdle: 2, NodesDown: 1}
	if !snap.Equal(want) {
		t.Errorf("snapshot = %+v, want %+v", *snap, want)
	}
	if snap.GPUsAvailable() != 5 {
		t.Errorf("GPUsAvailable = %d, want 5", snap.GPUsAvailable())
	}
}

func TestNodeState(t *testing.T) {
	tests := map[string]string{
		"idle":       "idle",
		"IDLE*":      "down",
		"mixed":      "busy",
		"allocated":  "busy",
		"drained":    "down",
		"idle+drain": "down",
		"down~":      "down",
		"maint":      "down",
		"completing": "busy",
	}
	for raw, want := range tests {
		if got := nodeState(raw); got != want {
			t.Errorf("nodeState(%q) = %q, want %q", raw, got, want)
		}
	}
}
