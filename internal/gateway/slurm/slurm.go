// Package slurm implements the Gateway over the SLURM command line tools.
package slurm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/flexinfer/clusterflow/internal/gateway"
	"github.com/flexinfer/clusterflow/pkg/types"
)

// Config holds SLURM gateway configuration.
type Config struct {
	// LogDir is where job output goes when a task does not set its own.
	LogDir string

	// Binary names, overridable for wrappers or non-standard installs.
	Sbatch  string
	Squeue  string
	Sacct   string
	Scancel string
	Sinfo   string
}

// DefaultConfig returns the stock binary names.
func DefaultConfig() *Config {
	return &Config{
		LogDir:  "logs",
		Sbatch:  "sbatch",
		Squeue:  "squeue",
		Sacct:   "sacct",
		Scancel: "scancel",
		Sinfo:   "sinfo",
	}
}

// Gateway talks to SLURM by running its CLI tools.
type Gateway struct {
	cfg    *Config
	runner Runner
	logger *slog.Logger
}

var _ gateway.Gateway = (*Gateway)(nil)

// New creates a SLURM gateway. A nil runner runs commands locally.
func New(cfg *Config, runner Runner, logger *slog.Logger) *Gateway {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{cfg: cfg, runner: runner, logger: logger}
}

// Submit renders the task into a batch script and passes it to sbatch on
// stdin. Shell tasks are submitted by path.
func (g *Gateway) Submit(ctx context.Context, task *types.Task) (string, error) {
	var (
		out []byte
		err error
	)
	if task.ScriptPath != "" {
		out, err = g.runner.Run(ctx, g.cfg.Sbatch, []string{task.ScriptPath}, "")
	} else {
		script, rerr := renderScript(task, g.cfg.LogDir)
		if rerr != nil {
			return "", &gateway.SubmissionError{Task: task.Name, Err: rerr}
		}
		g.logger.Debug("submitting batch script", "task", task.Name, "script", script)
		out, err = g.runner.Run(ctx, g.cfg.Sbatch, nil, script)
	}
	if err != nil {
		return "", &gateway.SubmissionError{Task: task.Name, Err: err}
	}

	// "Submitted batch job 12345"; the id is the last token.
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", &gateway.SubmissionError{Task: task.Name, Err: errors.New("sbatch returned no job id")}
	}
	id := strings.Split(fields[len(fields)-1], ";")[0]
	if _, err := strconv.Atoi(id); err != nil {
		return "", &gateway.SubmissionError{Task: task.Name, Err: fmt.Errorf("unexpected sbatch output %q", strings.TrimSpace(string(out)))}
	}
	g.logger.Info("job submitted", "task", task.Name, "job_id", id)
	return id, nil
}

const (
	sacctFormat  = "JobID,JobName,State,Partition,User,NNodes,Submit,Start,End"
	squeueFormat = "%i|%j|%T|%P|%u|%D|%V|%S"
)

// Query asks sacct first, which also knows about finished jobs, and falls
// back to squeue when accounting has no record yet.
func (g *Gateway) Query(ctx context.Context, jobID string) (*gateway.JobInfo, error) {
	out, err := g.runner.Run(ctx, g.cfg.Sacct, []string{
		"-j", jobID, "-X", "--noheader", "--parsable2", "--format=" + sacctFormat,
	}, "")
	if err == nil {
		if jobs := parseSacct(out); len(jobs) > 0 {
			return &jobs[0], nil
		}
	} else {
		g.logger.Debug("sacct query failed, trying squeue", "job_id", jobID, "error", err)
	}

	out, qerr := g.runner.Run(ctx, g.cfg.Squeue, []string{
		"-j", jobID, "--noheader", "--format=" + squeueFormat,
	}, "")
	if qerr != nil {
		if err != nil {
			return nil, &gateway.QueryError{Op: "query", JobID: jobID, Err: errors.Join(err, qerr)}
		}
		return nil, &gateway.QueryError{Op: "query", JobID: jobID, Err: qerr}
	}
	jobs := parseSqueue(out)
	if len(jobs) == 0 {
		return nil, &gateway.QueryError{Op: "query", JobID: jobID, Err: gateway.ErrJobNotFound}
	}
	return &jobs[0], nil
}

func (g *Gateway) Cancel(ctx context.Context, jobID string) error {
	if _, err := g.runner.Run(ctx, g.cfg.Scancel, []string{jobID}, ""); err != nil {
		return &gateway.QueryError{Op: "cancel", JobID: jobID, Err: err}
	}
	g.logger.Info("job cancelled", "job_id", jobID)
	return nil
}

// List uses squeue for the live queue and sacct when Since asks for
// finished jobs too.
func (g *Gateway) List(ctx context.Context, filter gateway.ListFilter) ([]gateway.JobInfo, error) {
	var (
		args  []string
		parse func([]byte) []gateway.JobInfo
		bin   string
	)
	if filter.Since.IsZero() {
		bin, parse = g.cfg.Squeue, parseSqueue
		args = []string{"--noheader", "--format=" + squeueFormat}
		if filter.User != "" {
			args = append(args, "--user="+filter.User)
		}
		if filter.Partition != "" {
			args = append(args, "--partition="+filter.Partition)
		}
		if len(filter.States) > 0 {
			args = append(args, "--states="+strings.Join(filter.States, ","))
		}
	} else {
		bin, parse = g.cfg.Sacct, parseSacct
		args = []string{
			"-X", "--noheader", "--parsable2", "--format=" + sacctFormat,
			"--starttime=" + filter.Since.Format(slurmTime),
		}
		if filter.User != "" {
			args = append(args, "--user="+filter.User)
		} else {
			args = append(args, "--allusers")
		}
		if filter.Partition != "" {
			args = append(args, "--partition="+filter.Partition)
		}
		if len(filter.States) > 0 {
			args = append(args, "--state="+strings.Join(filter.States, ","))
		}
	}

	out, err := g.runner.Run(ctx, bin, args, "")
	if err != nil {
		return nil, &gateway.QueryError{Op: "list", Err: err}
	}
	return parse(out), nil
}

// ResourceSnapshot counts GPUs and node states from a per-node sinfo listing.
func (g *Gateway) ResourceSnapshot(ctx context.Context, partition string) (*types.ResourceSnapshot, error) {
	args := []string{"--Node", "--noheader", "--Format=NodeHost:64,StateLong:32,Gres:128,GresUsed:128"}
	if partition != "" {
		args = append(args, "--partition="+partition)
	}
	out, err := g.runner.Run(ctx, g.cfg.Sinfo, args, "")
	if err != nil {
		return nil, &gateway.QueryError{Op: "resources", Err: err}
	}
	snap := parseSinfo(out)
	snap.Partition = partition
	snap.ObservedAt = time.Now()
	return snap, nil
}
