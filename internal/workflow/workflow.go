// Package workflow loads workflow definitions from YAML.
//
// A workflow file looks like:
//
//	name: train-eval
//	tasks:
//	  - name: preprocess
//	    command: ["python", "prep.py"]
//	    conda: ml
//	  - name: train
//	    command: python train.py --epochs 10
//	    depends_on: [preprocess]
//	    nodes: 2
//	    gpus_per_node: 4
//	  - name: notify
//	    path: scripts/notify.sh
//	    depends_on: [train]
package workflow

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flexinfer/clusterflow/internal/graph"
	"github.com/flexinfer/clusterflow/pkg/types"
)

// DefaultName is used when a workflow file does not name itself.
const DefaultName = "unnamed_workflow"

// Workflow is a named, validated list of tasks.
type Workflow struct {
	Name  string       `json:"name"`
	Tasks []types.Task `json:"tasks"`
}

// Plan validates the task graph and applies sel.
func (w *Workflow) Plan(sel graph.Selector) (*graph.Plan, error) {
	return graph.NewPlan(w.Tasks, sel)
}

// Task returns the named task, or nil.
func (w *Workflow) Task(name string) *types.Task {
	for i := range w.Tasks {
		if w.Tasks[i].Name == name {
			return &w.Tasks[i]
		}
	}
	return nil
}

// Load reads and parses a workflow file.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return Parse(data)
}

type document struct {
	Name  string      `yaml:"name"`
	Tasks []yaml.Node `yaml:"tasks"`
}

type taskDoc struct {
	Name          string            `yaml:"name"`
	Command       command           `yaml:"command"`
	Path          string            `yaml:"path"`
	DependsOn     []string          `yaml:"depends_on"`
	Async         bool              `yaml:"async"`
	Nodes         int               `yaml:"nodes"`
	GPUsPerNode   int               `yaml:"gpus_per_node"`
	NTasksPerNode int               `yaml:"ntasks_per_node"`
	CPUsPerTask   int               `yaml:"cpus_per_task"`
	MemoryPerNode string            `yaml:"memory_per_node"`
	TimeLimit     string            `yaml:"time_limit"`
	Partition     string            `yaml:"partition"`
	Conda         string            `yaml:"conda"`
	Venv          string            `yaml:"venv"`
	Container     string            `yaml:"container"`
	Sqsh          string            `yaml:"sqsh"`
	EnvVars       map[string]string `yaml:"env_vars"`
	LogDir        string            `yaml:"log_dir"`
	WorkDir       string            `yaml:"work_dir"`
}

// command accepts either a list of arguments or a single string, which is
// split on whitespace.
type command []string

func (c *command) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*c = strings.Fields(n.Value)
		return nil
	}
	var args []string
	if err := n.Decode(&args); err != nil {
		return err
	}
	*c = args
	return nil
}

// Parse validates a workflow document against the schema and builds its
// tasks. Each task is checked on its own; graph checks happen in Plan.
// Schema failures are *SchemaError.
func Parse(data []byte) (*Workflow, error) {
	if res := Validate(data); !res.Valid {
		return nil, &SchemaError{Errors: res.Errors}
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	w := &Workflow{Name: doc.Name, Tasks: make([]types.Task, 0, len(doc.Tasks))}
	if w.Name == "" {
		w.Name = DefaultName
	}

	for i := range doc.Tasks {
		td := taskDoc{Nodes: 1, NTasksPerNode: 1, CPUsPerTask: 1}
		if err := doc.Tasks[i].Decode(&td); err != nil {
			return nil, fmt.Errorf("parse task %d: %w", i, err)
		}
		t, err := td.task()
		if err != nil {
			return nil, err
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		w.Tasks = append(w.Tasks, t)
	}
	return w, nil
}

func (d taskDoc) task() (types.Task, error) {
	t := types.Task{
		Name:       d.Name,
		Command:    []string(d.Command),
		ScriptPath: d.Path,
		DependsOn:  d.DependsOn,
		Async:      d.Async,
		LogDir:     d.LogDir,
		WorkDir:    d.WorkDir,
		Resources: types.Resources{
			Nodes:         d.Nodes,
			GPUsPerNode:   d.GPUsPerNode,
			NTasksPerNode: d.NTasksPerNode,
			CPUsPerTask:   d.CPUsPerTask,
			MemoryPerNode: d.MemoryPerNode,
			TimeLimit:     d.TimeLimit,
			Partition:     d.Partition,
		},
		Environment: types.Environment{EnvVars: d.EnvVars},
	}

	container := d.Container
	if container == "" {
		container = d.Sqsh
	}
	var set []string
	if d.Conda != "" {
		t.Environment.Kind, t.Environment.Value = types.EnvConda, d.Conda
		set = append(set, "conda")
	}
	if d.Venv != "" {
		t.Environment.Kind, t.Environment.Value = types.EnvVenv, d.Venv
		set = append(set, "venv")
	}
	if container != "" {
		t.Environment.Kind, t.Environment.Value = types.EnvContainer, container
		set = append(set, "container")
	}
	if len(set) > 1 {
		return t, fmt.Errorf("%w: %s: only one of %s may be set", types.ErrInvalidTask, d.Name, strings.Join(set, ", "))
	}
	return t, nil
}
