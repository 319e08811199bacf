package k8s

import (
	"context"
	"errors"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/flexinfer/clusterflow/internal/gateway"
	"github.com/flexinfer/clusterflow/pkg/types"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Namespace = "jobs"
	return cfg
}

func gpuTask() *types.Task {
	return &types.Task{
		Name:      "Train_Model",
		Command:   []string{"python", "train.py"},
		Resources: types.Resources{Nodes: 2, GPUsPerNode: 4, NTasksPerNode: 1, CPUsPerTask: 8, MemoryPerNode: "32G", TimeLimit: "1-02:00:00", Partition: "a100"},
		Environment: types.Environment{
			Kind:    types.EnvContainer,
			Value:   "pytorch/pytorch:2.3",
			EnvVars: map[string]string{"NCCL_DEBUG": "INFO"},
		},
	}
}

func TestBuildJob(t *testing.T) {
	b := NewJobBuilder(testConfig(), "alice")
	job, err := b.BuildJob(gpuTask())
	if err != nil {
		t.Fatalf("BuildJob failed: %v", err)
	}

	c := job.Spec.Template.Spec.Containers[0]
	if c.Image != "pytorch/pytorch:2.3" {
		t.Errorf("image = %q", c.Image)
	}
	if got := c.Resources.Limits[corev1.ResourceName("nvidia.com/gpu")]; got.Value() != 4 {
		t.Errorf("gpu limit = %v", got.String())
	}
	if got := c.Resources.Requests[corev1.ResourceMemory]; got.String() != "32Gi" {
		t.Errorf("memory = %v", got.String())
	}
	if *job.Spec.Completions != 2 || job.Spec.CompletionMode == nil || *job.Spec.CompletionMode != batchv1.IndexedCompletion {
		t.Errorf("multi-node job should be an indexed job of 2 completions")
	}
	if *job.Spec.ActiveDeadlineSeconds != 93600 {
		t.Errorf("deadline = %d", *job.Spec.ActiveDeadlineSeconds)
	}
	if job.Spec.Template.Spec.NodeSelector["clusterflow.io/partition"] != "a100" {
		t.Errorf("node selector = %v", job.Spec.Template.Spec.NodeSelector)
	}
	if job.Labels[labelUser] != "alice" || job.Labels[labelTask] != "Train_Model" {
		t.Errorf("labels = %v", job.Labels)
	}
}

func TestBuildJob_Environments(t *testing.T) {
	b := NewJobBuilder(testConfig(), "")

	t.Run("conda wraps the command", func(t *testing.T) {
		task := gpuTask()
		task.Environment = types.Environment{Kind: types.EnvConda, Value: "ml"}
		job, err := b.BuildJob(task)
		if err != nil {
			t.Fatalf("BuildJob failed: %v", err)
		}
		c := job.Spec.Template.Spec.Containers[0]
		if c.Image != "ubuntu:22.04" || c.Command[0] != "bash" || c.Args[0] != "python" {
			t.Errorf("unexpected container %v %v %v", c.Image, c.Command, c.Args)
		}
	})

	t.Run("shell task runs the script", func(t *testing.T) {
		task := &types.Task{Name: "prep", ScriptPath: "/jobs/prep.sh", Resources: types.DefaultResources()}
		job, err := b.BuildJob(task)
		if err != nil {
			t.Fatalf("BuildJob failed: %v", err)
		}
		c := job.Spec.Template.Spec.Containers[0]
		if len(c.Command) != 2 || c.Command[1] != "/jobs/prep.sh" {
			t.Errorf("command = %v", c.Command)
		}
	})

	t.Run("bad time limit", func(t *testing.T) {
		task := gpuTask()
		task.Resources.TimeLimit = "soon"
		if _, err := b.BuildJob(task); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestParseTimeLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"30", 1800},
		{"30:15", 1815},
		{"02:00:00", 7200},
		{"1-00", 86400},
		{"1-02:30", 95400},
		{"2-00:00:10", 172810},
	}
	for _, tt := range tests {
		got, err := parseTimeLimit(tt.in)
		if err != nil {
			t.Errorf("parseTimeLimit(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseTimeLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
	for _, bad := range []string{"", "x", "1:2:3:4", "0"} {
		if _, err := parseTimeLimit(bad); err == nil {
			t.Errorf("parseTimeLimit(%q) should fail", bad)
		}
	}
}

func TestGateway_SubmitQueryCancel(t *testing.T) {
	cs := fake.NewSimpleClientset()
	g := New(cs, testConfig(), "alice", nil)
	ctx := context.Background()

	id, err := g.Submit(ctx, gpuTask())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	info, err := g.Query(ctx, id)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if info.State != "Pending" {
		t.Errorf("new job state = %q, want Pending", info.State)
	}

	job, _ := cs.BatchV1().Jobs("jobs").Get(ctx, id, metav1.GetOptions{})
	job.Status.Active = 2
	if _, err := cs.BatchV1().Jobs("jobs").UpdateStatus(ctx, job, metav1.UpdateOptions{}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	info, _ = g.Query(ctx, id)
	if info.State != "Running" {
		t.Errorf("state = %q, want Running", info.State)
	}

	if err := g.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	info, _ = g.Query(ctx, id)
	if info.State != "Cancelled" {
		t.Errorf("state after cancel = %q, want Cancelled", info.State)
	}

	_, err = g.Query(ctx, "missing")
	if !errors.Is(err, gateway.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobState(t *testing.T) {
	one := int32(1)
	tests := []struct {
		name string
		job  batchv1.Job
		want string
	}{
		{"pending", batchv1.Job{}, "Pending"},
		{"complete condition", batchv1.Job{Status: batchv1.JobStatus{Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobComplete, Status: corev1.ConditionTrue},
		}}}, "Complete"},
		{"deadline", batchv1.Job{Status: batchv1.JobStatus{Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Reason: "DeadlineExceeded"},
		}}}, "DeadlineExceeded"},
		{"failed count", batchv1.Job{Status: batchv1.JobStatus{Failed: 1}}, "Failed"},
		{"succeeded count", batchv1.Job{Spec: batchv1.JobSpec{Completions: &one}, Status: batchv1.JobStatus{Succeeded: 1}}, "Complete"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := jobState(&tt.job); got != tt.want {
				t.Errorf("jobState = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGateway_List(t *testing.T) {
	cs := fake.NewSimpleClientset()
	g := New(cs, testConfig(), "alice", nil)
	ctx := context.Background()

	running, _ := g.Submit(ctx, gpuTask())
	done, _ := g.Submit(ctx, gpuTask())

	job, _ := cs.BatchV1().Jobs("jobs").Get(ctx, done, metav1.GetOptions{})
	now := metav1.NewTime(time.Now())
	job.Status.CompletionTime = &now
	job.Status.Conditions = []batchv1.JobCondition{{Type: batchv1.JobComplete, Status: corev1.ConditionTrue}}
	cs.BatchV1().Jobs("jobs").UpdateStatus(ctx, job, metav1.UpdateOptions{})

	active, err := g.List(ctx, gateway.ListFilter{User: "alice"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != running {
		t.Errorf("active = %+v", active)
	}

	all, err := g.List(ctx, gateway.ListFilter{Since: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 jobs with history, got %d", len(all))
	}

	other, _ := g.List(ctx, gateway.ListFilter{User: "bob"})
	if len(other) != 0 {
		t.Errorf("expected no jobs for bob, got %d", len(other))
	}
}

func TestGateway_ResourceSnapshot(t *testing.T) {
	node := func(name string, gpus int64, ready, cordoned bool) *corev1.Node {
		status := corev1.ConditionFalse
		if ready {
			status = corev1.ConditionTrue
		}
		return &corev1.Node{
			ObjectMeta: metav1.ObjectMeta{Name: name, Labels: map[string]string{"clusterflow.io/partition": "a100"}},
			Spec:       corev1.NodeSpec{Unschedulable: cordoned},
			Status: corev1.NodeStatus{
				Allocatable: corev1.ResourceList{"nvidia.com/gpu": *resource.NewQuantity(gpus, resource.DecimalSI)},
				Conditions:  []corev1.NodeCondition{{Type: corev1.NodeReady, Status: status}},
			},
		}
	}
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "p1", Namespace: "jobs"},
		Spec: corev1.PodSpec{
			NodeName: "n1",
			Containers: []corev1.Container{{
				Name: "task",
				Resources: corev1.ResourceRequirements{
					Requests: corev1.ResourceList{"nvidia.com/gpu": *resource.NewQuantity(3, resource.DecimalSI)},
				},
			}},
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning},
	}
	other := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "cpu1", Labels: map[string]string{"clusterflow.io/partition": "cpu"}}}

	cs := fake.NewSimpleClientset(
		node("n1", 8, true, false),
		node("n2", 8, true, false),
		node("n3", 8, false, false),
		node("n4", 8, true, true),
		other,
		pod,
	)
	g := New(cs, testConfig(), "", nil)

	snap, err := g.ResourceSnapshot(context.Background(), "a100")
	if err != nil {
		t.Fatalf("ResourceSnapshot failed: %v", err)
	}
	want := types.ResourceSnapshot{Partition: "a100", TotalGPUs: 16, GPUsInUse: 3, NodesTotal: 4, NodesIdle: 1, NodesDown: 2}
	if !snap.Equal(want) {
		t.Errorf("snapshot = %+v, want %+v", *snap, want)
	}
}
