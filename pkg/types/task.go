// Package types provides shared types for the clusterflow engine.
package types

import (
	"errors"
	"fmt"
	"strings"
)

// EnvKind selects how a task's runtime environment is prepared.
type EnvKind string

const (
	EnvNone      EnvKind = ""
	EnvConda     EnvKind = "conda"
	EnvVenv      EnvKind = "venv"
	EnvContainer EnvKind = "container"
)

// Environment describes the runtime environment of a task. Value holds the
// conda env name, the venv path, or the container image depending on Kind.
type Environment struct {
	Kind    EnvKind           `json:"kind,omitempty" yaml:"kind,omitempty"`
	Value   string            `json:"value,omitempty" yaml:"value,omitempty"`
	EnvVars map[string]string `json:"env_vars,omitempty" yaml:"env_vars,omitempty"`
}

// Resources describes what a task asks the cluster for.
type Resources struct {
	Nodes         int    `json:"nodes" yaml:"nodes"`
	GPUsPerNode   int    `json:"gpus_per_node" yaml:"gpus_per_node"`
	NTasksPerNode int    `json:"ntasks_per_node" yaml:"ntasks_per_node"`
	CPUsPerTask   int    `json:"cpus_per_task" yaml:"cpus_per_task"`
	MemoryPerNode string `json:"memory_per_node,omitempty" yaml:"memory_per_node,omitempty"`
	TimeLimit     string `json:"time_limit,omitempty" yaml:"time_limit,omitempty"`
	Partition     string `json:"partition,omitempty" yaml:"partition,omitempty"`
}

// DefaultResources returns the single-node, single-cpu request used when a
// task does not say otherwise.
func DefaultResources() Resources {
	return Resources{
		Nodes:         1,
		NTasksPerNode: 1,
		CPUsPerTask:   1,
	}
}

// TotalGPUs is the number of GPUs the task occupies across all nodes.
func (r Resources) TotalGPUs() int {
	return r.Nodes * r.GPUsPerNode
}

// Validate checks the resource request bounds.
func (r Resources) Validate() error {
	switch {
	case r.Nodes < 1:
		return fmt.Errorf("nodes must be at least 1, got %d", r.Nodes)
	case r.GPUsPerNode < 0:
		return fmt.Errorf("gpus_per_node must be non-negative, got %d", r.GPUsPerNode)
	case r.NTasksPerNode < 1:
		return fmt.Errorf("ntasks_per_node must be at least 1, got %d", r.NTasksPerNode)
	case r.CPUsPerTask < 1:
		return fmt.Errorf("cpus_per_task must be at least 1, got %d", r.CPUsPerTask)
	}
	return nil
}

// Task is the immutable definition of one unit of work in a workflow.
// Exactly one of Command and ScriptPath is set.
type Task struct {
	Name        string      `json:"name" yaml:"name"`
	Command     []string    `json:"command,omitempty" yaml:"command,omitempty"`
	ScriptPath  string      `json:"path,omitempty" yaml:"path,omitempty"`
	DependsOn   []string    `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Resources   Resources   `json:"resources" yaml:"resources"`
	Environment Environment `json:"environment" yaml:"environment"`
	Async       bool        `json:"async,omitempty" yaml:"async,omitempty"`
	LogDir      string      `json:"log_dir,omitempty" yaml:"log_dir,omitempty"`
	WorkDir     string      `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
}

// ErrInvalidTask is wrapped by every error returned from Task.Validate.
var ErrInvalidTask = errors.New("invalid task")

// Validate checks the task definition in isolation. Cross-task checks
// (duplicates, dangling dependencies, cycles) belong to the graph builder.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	hasCmd := len(t.Command) > 0
	hasPath := t.ScriptPath != ""
	if hasCmd == hasPath {
		return fmt.Errorf("%w: %s: exactly one of command or path must be set", ErrInvalidTask, t.Name)
	}
	if hasPath && t.Environment.Kind != EnvNone {
		return fmt.Errorf("%w: %s: shell tasks cannot declare an environment", ErrInvalidTask, t.Name)
	}
	if err := t.Resources.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidTask, t.Name, err)
	}
	switch t.Environment.Kind {
	case EnvNone:
	case EnvConda, EnvVenv, EnvContainer:
		if t.Environment.Value == "" {
			return fmt.Errorf("%w: %s: %s environment needs a value", ErrInvalidTask, t.Name, t.Environment.Kind)
		}
	default:
		return fmt.Errorf("%w: %s: unknown environment kind %q", ErrInvalidTask, t.Name, t.Environment.Kind)
	}
	return nil
}

// CommandString joins the command for display and for script rendering.
func (t *Task) CommandString() string {
	if t.ScriptPath != "" {
		return t.ScriptPath
	}
	return strings.Join(t.Command, " ")
}
