package slurm

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/flexinfer/clusterflow/pkg/types"
)

// envHandler prepares one kind of runtime environment. prelude lines run
// before the command; launcher prefixes the command itself.
type envHandler struct {
	prelude  func(env types.Environment) []string
	launcher func(env types.Environment) string
}

var envHandlers = map[types.EnvKind]envHandler{
	types.EnvNone: {},
	types.EnvConda: {
		prelude: func(env types.Environment) []string {
			return []string{
				`eval "$(conda shell.bash hook)"`,
				"conda activate " + shellQuote(env.Value),
			}
		},
	},
	types.EnvVenv: {
		prelude: func(env types.Environment) []string {
			return []string{"source " + shellQuote(filepath.Join(env.Value, "bin", "activate"))}
		},
	},
	types.EnvContainer: {
		launcher: func(env types.Environment) string {
			return "srun --container-image=" + shellQuote(env.Value) + " "
		},
	},
}

var batchTemplate = template.Must(template.New("sbatch").Parse(`#!/bin/bash
#SBATCH --job-name={{.Name}}
#SBATCH --nodes={{.Nodes}}
#SBATCH --ntasks-per-node={{.NTasks}}
#SBATCH --cpus-per-task={{.CPUs}}
{{- if .GPUs}}
#SBATCH --gpus-per-node={{.GPUs}}
{{- end}}
{{- with .Memory}}
#SBATCH --mem={{.}}
{{- end}}
{{- with .TimeLimit}}
#SBATCH --time={{.}}
{{- end}}
{{- with .Partition}}
#SBATCH --partition={{.}}
{{- end}}
#SBATCH --output={{.LogDir}}/%x_%j.log
#SBATCH --error={{.LogDir}}/%x_%j.log
{{- with .WorkDir}}
#SBATCH --chdir={{.}}
{{- end}}
{{- range .Exports}}
export {{.}}
{{- end}}
{{- range .Prelude}}
{{.}}
{{- end}}

{{.Launcher}}{{.Command}}
`))

type scriptData struct {
	Name      string
	Nodes     int
	NTasks    int
	CPUs      int
	GPUs      int
	Memory    string
	TimeLimit string
	Partition string
	LogDir    string
	WorkDir   string
	Exports   []string
	Prelude   []string
	Launcher  string
	Command   string
}

// renderScript builds the batch script for a command task.
func renderScript(task *types.Task, defaultLogDir string) (string, error) {
	h, ok := envHandlers[task.Environment.Kind]
	if !ok {
		return "", fmt.Errorf("unsupported environment kind %q", task.Environment.Kind)
	}
	logDir := task.LogDir
	if logDir == "" {
		logDir = defaultLogDir
	}
	if logDir == "" {
		logDir = "logs"
	}

	d := scriptData{
		Name:      task.Name,
		Nodes:     task.Resources.Nodes,
		NTasks:    task.Resources.NTasksPerNode,
		CPUs:      task.Resources.CPUsPerTask,
		GPUs:      task.Resources.GPUsPerNode,
		Memory:    task.Resources.MemoryPerNode,
		TimeLimit: task.Resources.TimeLimit,
		Partition: task.Resources.Partition,
		LogDir:    logDir,
		WorkDir:   task.WorkDir,
		Command:   joinCommand(task.Command),
	}
	keys := make([]string, 0, len(task.Environment.EnvVars))
	for k := range task.Environment.EnvVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		d.Exports = append(d.Exports, k+"="+shellQuote(task.Environment.EnvVars[k]))
	}
	if h.prelude != nil {
		d.Prelude = h.prelude(task.Environment)
	}
	if h.launcher != nil {
		d.Launcher = h.launcher(task.Environment)
	}

	var b strings.Builder
	if err := batchTemplate.Execute(&b, d); err != nil {
		return "", fmt.Errorf("render script: %w", err)
	}
	return b.String(), nil
}

func joinCommand(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
