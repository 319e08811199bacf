package k8s

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	batchv1client "k8s.io/client-go/kubernetes/typed/batch/v1"

	"github.com/flexinfer/clusterflow/internal/gateway"
	cftypes "github.com/flexinfer/clusterflow/pkg/types"
)

// Gateway runs tasks as Kubernetes Jobs. The job ID is the Job name.
type Gateway struct {
	clientset kubernetes.Interface
	cfg       *Config
	builder   *JobBuilder
	logger    *slog.Logger
}

var _ gateway.Gateway = (*Gateway)(nil)

// New creates a Kubernetes gateway. user labels submitted jobs so List can
// filter by it.
func New(clientset kubernetes.Interface, cfg *Config, user string, logger *slog.Logger) *Gateway {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		clientset: clientset,
		cfg:       cfg,
		builder:   NewJobBuilder(cfg, user),
		logger:    logger,
	}
}

func (g *Gateway) jobs() batchv1client.JobInterface {
	return g.clientset.BatchV1().Jobs(g.cfg.Namespace)
}

func (g *Gateway) Submit(ctx context.Context, task *cftypes.Task) (string, error) {
	job, err := g.builder.BuildJob(task)
	if err != nil {
		return "", &gateway.SubmissionError{Task: task.Name, Err: err}
	}
	created, err := g.jobs().Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return "", &gateway.SubmissionError{Task: task.Name, Err: err}
	}
	g.logger.Info("job created", "task", task.Name, "job_id", created.Name, "namespace", g.cfg.Namespace)
	return created.Name, nil
}

func (g *Gateway) Query(ctx context.Context, jobID string) (*gateway.JobInfo, error) {
	job, err := g.jobs().Get(ctx, jobID, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			err = fmt.Errorf("%w: %v", gateway.ErrJobNotFound, err)
		}
		return nil, &gateway.QueryError{Op: "query", JobID: jobID, Err: err}
	}
	info := jobInfo(job)
	return &info, nil
}

// Cancel suspends the Job, which removes its pods, and marks it so later
// queries report it as cancelled.
func (g *Gateway) Cancel(ctx context.Context, jobID string) error {
	patch := []byte(fmt.Sprintf(`{"metadata":{"annotations":{%q:"true"}},"spec":{"suspend":true}}`, annotationCancelled))
	_, err := g.jobs().Patch(ctx, jobID, types.MergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			err = fmt.Errorf("%w: %v", gateway.ErrJobNotFound, err)
		}
		return &gateway.QueryError{Op: "cancel", JobID: jobID, Err: err}
	}
	g.logger.Info("job cancelled", "job_id", jobID)
	return nil
}

func (g *Gateway) List(ctx context.Context, filter gateway.ListFilter) ([]gateway.JobInfo, error) {
	selector := labelManagedBy + "=" + managedBy
	if filter.User != "" {
		selector += "," + labelUser + "=" + sanitizeK8sLabel(filter.User)
	}
	if filter.Partition != "" {
		selector += "," + labelPartition + "=" + sanitizeK8sLabel(filter.Partition)
	}
	list, err := g.jobs().List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, &gateway.QueryError{Op: "list", Err: err}
	}

	wanted := make(map[string]bool, len(filter.States))
	for _, s := range filter.States {
		wanted[s] = true
	}
	var out []gateway.JobInfo
	for i := range list.Items {
		info := jobInfo(&list.Items[i])
		finished := isFinished(info.State)
		if filter.Since.IsZero() && finished {
			continue
		}
		if finished && info.FinishedAt != nil && info.FinishedAt.Before(filter.Since) {
			continue
		}
		if len(wanted) > 0 && !wanted[info.State] {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// ResourceSnapshot counts GPUs from node allocatable and running pod
// requests. Nodes that are not Ready or are cordoned count as down.
func (g *Gateway) ResourceSnapshot(ctx context.Context, partition string) (*cftypes.ResourceSnapshot, error) {
	opts := metav1.ListOptions{}
	if partition != "" && g.cfg.PartitionLabel != "" {
		opts.LabelSelector = g.cfg.PartitionLabel + "=" + partition
	}
	nodes, err := g.clientset.CoreV1().Nodes().List(ctx, opts)
	if err != nil {
		return nil, &gateway.QueryError{Op: "resources", Err: err}
	}
	pods, err := g.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: "status.phase=" + string(corev1.PodRunning),
	})
	if err != nil {
		return nil, &gateway.QueryError{Op: "resources", Err: err}
	}

	gpuName := corev1.ResourceName(g.cfg.GPUResource)
	busy := make(map[string]int)
	gpusUsed := make(map[string]int64)
	for i := range pods.Items {
		p := &pods.Items[i]
		if p.Status.Phase != corev1.PodRunning || p.Spec.NodeName == "" || isDaemonPod(p) {
			continue
		}
		busy[p.Spec.NodeName]++
		for _, c := range p.Spec.Containers {
			if q, ok := c.Resources.Requests[gpuName]; ok {
				gpusUsed[p.Spec.NodeName] += q.Value()
			} else if q, ok := c.Resources.Limits[gpuName]; ok {
				gpusUsed[p.Spec.NodeName] += q.Value()
			}
		}
	}

	snap := &cftypes.ResourceSnapshot{Partition: partition, ObservedAt: time.Now()}
	for i := range nodes.Items {
		n := &nodes.Items[i]
		snap.NodesTotal++
		if !nodeReady(n) || n.Spec.Unschedulable {
			snap.NodesDown++
			continue
		}
		if busy[n.Name] == 0 {
			snap.NodesIdle++
		}
		if q, ok := n.Status.Allocatable[gpuName]; ok {
			snap.TotalGPUs += int(q.Value())
		}
		snap.GPUsInUse += int(gpusUsed[n.Name])
	}
	return snap, nil
}

// HealthCheck verifies connectivity to the K8s API.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	_, err := g.clientset.Discovery().ServerVersion()
	if err != nil {
		return errors.Join(errors.New("kubernetes api unreachable"), err)
	}
	return nil
}

func jobInfo(job *batchv1.Job) gateway.JobInfo {
	info := gateway.JobInfo{
		ID:        job.Name,
		Name:      job.Labels[labelTask],
		State:     jobState(job),
		Partition: job.Labels[labelPartition],
		User:      job.Labels[labelUser],
	}
	if job.Spec.Completions != nil {
		info.Nodes = int(*job.Spec.Completions)
	}
	if !job.CreationTimestamp.IsZero() {
		t := job.CreationTimestamp.Time
		info.SubmittedAt = &t
	}
	if job.Status.StartTime != nil {
		t := job.Status.StartTime.Time
		info.StartedAt = &t
	}
	if job.Status.CompletionTime != nil {
		t := job.Status.CompletionTime.Time
		info.FinishedAt = &t
	} else {
		for _, cond := range job.Status.Conditions {
			if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
				t := cond.LastTransitionTime.Time
				info.FinishedAt = &t
			}
		}
	}
	return info
}

func nodeReady(n *corev1.Node) bool {
	for _, c := range n.Status.Conditions {
		if c.Type == corev1.NodeReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

func isDaemonPod(p *corev1.Pod) bool {
	for _, ref := range p.OwnerReferences {
		if ref.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}
