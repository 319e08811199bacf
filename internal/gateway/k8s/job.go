package k8s

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/flexinfer/clusterflow/pkg/types"
)

const (
	labelManagedBy = "app.kubernetes.io/managed-by"
	labelTask      = "clusterflow.io/task"
	labelUser      = "clusterflow.io/user"
	labelPartition = "clusterflow.io/partition"

	annotationCancelled = "clusterflow.io/cancelled"
	managedBy           = "clusterflow"
)

// containerSpec is the image and entrypoint chosen for a task.
type containerSpec struct {
	image   string
	command []string
	args    []string
}

// envHandlers resolve each environment kind to a container spec.
var envHandlers = map[types.EnvKind]func(cfg *Config, t *types.Task) containerSpec{
	types.EnvNone: func(cfg *Config, t *types.Task) containerSpec {
		if t.ScriptPath != "" {
			return containerSpec{image: cfg.DefaultImage, command: []string{"bash", t.ScriptPath}}
		}
		return containerSpec{image: cfg.DefaultImage, command: t.Command[:1], args: t.Command[1:]}
	},
	types.EnvContainer: func(cfg *Config, t *types.Task) containerSpec {
		return containerSpec{image: t.Environment.Value, command: t.Command[:1], args: t.Command[1:]}
	},
	types.EnvConda: func(cfg *Config, t *types.Task) containerSpec {
		script := fmt.Sprintf(`eval "$(conda shell.bash hook)" && conda activate %s && exec "$@"`, t.Environment.Value)
		return containerSpec{image: cfg.DefaultImage, command: []string{"bash", "-lc", script, "--"}, args: t.Command}
	},
	types.EnvVenv: func(cfg *Config, t *types.Task) containerSpec {
		script := fmt.Sprintf(`source %s && exec "$@"`, path.Join(t.Environment.Value, "bin", "activate"))
		return containerSpec{image: cfg.DefaultImage, command: []string{"bash", "-lc", script, "--"}, args: t.Command}
	},
}

// JobBuilder creates Kubernetes Jobs from tasks.
type JobBuilder struct {
	config *Config
	user   string
}

// NewJobBuilder creates a new JobBuilder.
func NewJobBuilder(cfg *Config, user string) *JobBuilder {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &JobBuilder{config: cfg, user: user}
}

// BuildJob creates a K8s Job from a task.
func (b *JobBuilder) BuildJob(task *types.Task) (*batchv1.Job, error) {
	handler, ok := envHandlers[task.Environment.Kind]
	if !ok {
		return nil, fmt.Errorf("unsupported environment kind %q", task.Environment.Kind)
	}
	spec := handler(b.config, task)
	if spec.image == "" {
		return nil, fmt.Errorf("task %s has no image", task.Name)
	}

	jobName := sanitizeK8sName(fmt.Sprintf("%s-%s", task.Name, uuid.NewString()[:8]))

	labels := map[string]string{
		"app.kubernetes.io/name": "clusterflow-task",
		labelManagedBy:           managedBy,
		labelTask:                sanitizeK8sLabel(task.Name),
	}
	if b.user != "" {
		labels[labelUser] = sanitizeK8sLabel(b.user)
	}
	if task.Resources.Partition != "" {
		labels[labelPartition] = sanitizeK8sLabel(task.Resources.Partition)
	}

	envVars := []corev1.EnvVar{{Name: "CLUSTERFLOW_TASK", Value: task.Name}}
	for key, value := range task.Environment.EnvVars {
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: value})
	}

	resources, err := b.resources(task.Resources)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.Name, err)
	}

	container := corev1.Container{
		Name:            "task",
		Image:           spec.image,
		Command:         spec.command,
		Args:            spec.args,
		Env:             envVars,
		Resources:       resources,
		WorkingDir:      task.WorkDir,
		ImagePullPolicy: corev1.PullIfNotPresent,
		SecurityContext: &corev1.SecurityContext{
			AllowPrivilegeEscalation: boolPtr(false),
			Capabilities: &corev1.Capabilities{
				Drop: []corev1.Capability{"ALL"},
			},
		},
	}

	podSpec := corev1.PodSpec{
		Containers:         []corev1.Container{container},
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: b.config.ServiceAccountName,
	}
	if task.Resources.Partition != "" && b.config.PartitionLabel != "" {
		podSpec.NodeSelector = map[string]string{b.config.PartitionLabel: task.Resources.Partition}
	}
	for _, secret := range b.config.ImagePullSecrets {
		podSpec.ImagePullSecrets = append(podSpec.ImagePullSecrets,
			corev1.LocalObjectReference{Name: secret})
	}

	nodes := int32(task.Resources.Nodes)
	backoff := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: b.config.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
			Parallelism:             &nodes,
			Completions:             &nodes,
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: b.config.TTLSecondsAfterFinished,
		},
	}
	if nodes > 1 {
		mode := batchv1.IndexedCompletion
		job.Spec.CompletionMode = &mode
	}

	if task.Resources.TimeLimit != "" {
		secs, err := parseTimeLimit(task.Resources.TimeLimit)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", task.Name, err)
		}
		job.Spec.ActiveDeadlineSeconds = &secs
	}

	return job, nil
}

func (b *JobBuilder) resources(r types.Resources) (corev1.ResourceRequirements, error) {
	req := corev1.ResourceList{
		corev1.ResourceCPU: *resource.NewQuantity(int64(r.CPUsPerTask*r.NTasksPerNode), resource.DecimalSI),
	}
	limits := corev1.ResourceList{}
	if r.MemoryPerNode != "" {
		q, err := parseMemory(r.MemoryPerNode)
		if err != nil {
			return corev1.ResourceRequirements{}, err
		}
		req[corev1.ResourceMemory] = q
		limits[corev1.ResourceMemory] = q
	}
	if r.GPUsPerNode > 0 {
		gpus := *resource.NewQuantity(int64(r.GPUsPerNode), resource.DecimalSI)
		req[corev1.ResourceName(b.config.GPUResource)] = gpus
		limits[corev1.ResourceName(b.config.GPUResource)] = gpus
	}
	return corev1.ResourceRequirements{Requests: req, Limits: limits}, nil
}

// parseMemory accepts SLURM style sizes ("32G", "512M", "1T") as well as
// Kubernetes quantities.
func parseMemory(s string) (resource.Quantity, error) {
	v := strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), "B")
	for _, unit := range []string{"K", "M", "G", "T"} {
		if strings.HasSuffix(v, unit) {
			if _, err := strconv.Atoi(strings.TrimSuffix(v, unit)); err == nil {
				return resource.ParseQuantity(strings.TrimSuffix(v, unit) + unit + "i")
			}
		}
	}
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return resource.Quantity{}, fmt.Errorf("invalid memory %q: %w", s, err)
	}
	return q, nil
}

// parseTimeLimit converts SLURM time limits to seconds. Accepted forms are
// "MM", "MM:SS", "HH:MM:SS", "D-HH", "D-HH:MM" and "D-HH:MM:SS".
func parseTimeLimit(s string) (int64, error) {
	bad := fmt.Errorf("invalid time limit %q", s)
	var days int64
	rest := s
	if i := strings.IndexByte(s, '-'); i >= 0 {
		d, err := strconv.ParseInt(s[:i], 10, 64)
		if err != nil {
			return 0, bad
		}
		days, rest = d, s[i+1:]
	}
	parts := strings.Split(rest, ":")
	nums := make([]int64, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n < 0 {
			return 0, bad
		}
		nums[i] = n
	}

	var h, m, sec int64
	switch {
	case s != rest && len(nums) == 1:
		h = nums[0]
	case s != rest && len(nums) == 2:
		h, m = nums[0], nums[1]
	case len(nums) == 1:
		m = nums[0]
	case len(nums) == 2:
		m, sec = nums[0], nums[1]
	case len(nums) == 3:
		h, m, sec = nums[0], nums[1], nums[2]
	default:
		return 0, bad
	}
	total := days*86400 + h*3600 + m*60 + sec
	if total <= 0 {
		return 0, bad
	}
	return total, nil
}

// jobState reduces a Job to the raw state vocabulary this gateway reports.
func jobState(job *batchv1.Job) string {
	if job.Annotations[annotationCancelled] == "true" {
		return "Cancelled"
	}
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return "Complete"
		case batchv1.JobFailed:
			if cond.Reason == "DeadlineExceeded" {
				return "DeadlineExceeded"
			}
			return "Failed"
		case batchv1.JobSuspended:
			return "Suspended"
		}
	}
	switch {
	case job.Status.Active > 0:
		return "Running"
	case job.Status.Succeeded > 0 && job.Spec.Completions != nil && job.Status.Succeeded >= *job.Spec.Completions:
		return "Complete"
	case job.Status.Failed > 0:
		return "Failed"
	}
	return "Pending"
}

func isFinished(state string) bool {
	switch state {
	case "Complete", "Failed", "DeadlineExceeded", "Cancelled":
		return true
	}
	return false
}

func sanitizeK8sName(name string) string {
	// K8s names must be lowercase, alphanumeric, -, and max 63 chars
	name = strings.ToLower(name)
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		} else if r == '_' || r == '.' {
			result.WriteRune('-')
		}
	}
	s := strings.Trim(result.String(), "-")
	if len(s) > 63 {
		s = strings.Trim(s[len(s)-63:], "-")
	}
	return s
}

func sanitizeK8sLabel(value string) string {
	// Label values must be 63 chars or less, alphanumeric, -, _, .
	var result strings.Builder
	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' {
			result.WriteRune(r)
		}
	}
	s := result.String()
	if len(s) > 63 {
		s = s[:63]
	}
	return strings.Trim(s, "-_.")
}

func boolPtr(b bool) *bool {
	return &b
}
