package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/flexinfer/clusterflow/internal/gateway"
	"github.com/flexinfer/clusterflow/internal/joblog"
	"github.com/flexinfer/clusterflow/internal/monitor"
	"github.com/flexinfer/clusterflow/pkg/types"
)

// --- jobs ---

func (a *app) jobsCmd(ctx context.Context, args []string) error {
	fs := a.flagSet("jobs")
	var filter gateway.ListFilter
	wait := fs.Bool("wait", false, "block until the named jobs reach a target state")
	until := fs.String("until", "", "comma-separated target states for --wait (default: any terminal state)")
	timeout := fs.Duration("timeout", 0, "give up waiting after this long (0 = never)")
	fs.StringVar(&filter.Partition, "partition", "", "list jobs in this partition")
	fs.StringVar(&filter.User, "user", "", "list jobs of this user")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	if !*wait {
		if fs.NArg() != 0 {
			return fmt.Errorf("%w: job ids need --wait", errUsage)
		}
		gw, err := a.gateway()
		if err != nil {
			return err
		}
		jobs, err := gw.List(ctx, filter)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "JOB\tNAME\tSTATE\tPARTITION\tUSER\tNODES")
		for _, j := range jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", j.ID, j.Name, monitor.Normalize(j.State), j.Partition, j.User, j.Nodes)
		}
		return tw.Flush()
	}

	if fs.NArg() == 0 {
		return fmt.Errorf("%w: jobs --wait needs at least one job id", errUsage)
	}
	targets, err := parseStates(*until)
	if err != nil {
		return fmt.Errorf("%w: --until: %v", errUsage, err)
	}
	gw, err := a.gateway()
	if err != nil {
		return err
	}

	ids := fs.Args()
	jobs := monitor.NewJobMonitor(gw, a.monitorConfig(), a.logger)
	states, werr := jobs.WatchUntil(ctx, ids, targets, monitor.WatchOptions{Timeout: *timeout})

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATE")
	for _, id := range ids {
		st, ok := states[id]
		if !ok {
			st = types.JobUnknown
		}
		fmt.Fprintf(tw, "%s\t%s\n", id, st)
	}
	tw.Flush()

	var terr *monitor.TimeoutError
	switch {
	case werr == nil:
		return nil
	case errors.As(werr, &terr), errors.Is(werr, monitor.ErrTargetUnreachable):
		a.logger.Error("jobs did not reach the target state", "error", werr)
		return errFailed
	}
	return werr
}

// parseStates reads a comma-separated list of canonical or scheduler
// state names.
func parseStates(s string) ([]types.JobState, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []types.JobState
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		st := types.JobState(strings.ToLower(raw))
		switch st {
		case types.JobPending, types.JobRunning, types.JobSucceeded, types.JobFailed, types.JobCancelled:
		default:
			if st = monitor.Normalize(raw); st == types.JobUnknown {
				return nil, fmt.Errorf("unknown job state %q", raw)
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// --- logs ---

func (a *app) logsCmd(ctx context.Context, args []string) error {
	fs := a.flagSet("logs")
	follow := fs.Bool("follow", false, "keep printing new output until the job finishes")
	last := fs.Int("last", 0, "print only the last N lines (0 = all)")
	name := fs.String("name", "", "job name, when the scheduler no longer knows the job")
	logDir := fs.String("log-dir", "", "directory holding job logs (default SLURM_LOG_DIR)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: logs takes exactly one job id", errUsage)
	}
	jobID := fs.Arg(0)

	gw, err := a.gateway()
	if err != nil {
		return err
	}
	jobs := monitor.NewJobMonitor(gw, a.monitorConfig(), a.logger)

	jobName := *name
	if jobName == "" {
		if info, err := gw.Query(ctx, jobID); err == nil {
			jobName = info.Name
		} else {
			a.logger.Debug("job lookup failed, searching logs by id", "job_id", jobID, "error", err)
		}
	}

	dir := *logDir
	if dir == "" {
		dir = a.cfg.SlurmLogDir
	}
	files, err := joblog.Find(uniqueDirs(dir, "."), jobID, jobName)
	if err != nil {
		return err
	}
	a.logger.Debug("reading job log", "job_id", jobID, "file", files[0])

	offset, err := joblog.Tail(files[0], *last, a.out)
	if err != nil {
		return err
	}
	if !*follow {
		return nil
	}

	poll := a.cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	var final types.JobState
	err = joblog.Follow(ctx, files[0], offset, a.out, poll, func(ctx context.Context) (bool, error) {
		st, _, err := jobs.Status(ctx, jobID)
		if err != nil {
			if errors.Is(err, gateway.ErrJobNotFound) {
				// Gone from the queue and from accounting: nothing more
				// will be written.
				return true, nil
			}
			return false, err
		}
		final = st
		return st.IsTerminal(), nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return err
	}
	if final != "" {
		a.logger.Info("job finished", "job_id", jobID, "state", final)
	}
	return nil
}

func uniqueDirs(dirs ...string) []string {
	seen := make(map[string]bool, len(dirs))
	out := dirs[:0]
	for _, d := range dirs {
		if d == "" {
			continue
		}
		key := filepath.Clean(d)
		if abs, err := filepath.Abs(d); err == nil {
			key = abs
		}
		if !seen[key] {
			seen[key] = true
			out = append(out, d)
		}
	}
	return out
}
