package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/flexinfer/clusterflow/internal/callback"
	"github.com/flexinfer/clusterflow/internal/graph"
	"github.com/flexinfer/clusterflow/internal/monitor"
	"github.com/flexinfer/clusterflow/internal/reporter"
	"github.com/flexinfer/clusterflow/internal/scheduler"
	"github.com/flexinfer/clusterflow/internal/workflow"
)

const dayLayout = "2006-01-02"

func (a *app) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.out)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}

// --- run ---

func (a *app) runCmd(ctx context.Context, args []string) error {
	fs := a.flagSet("run")
	var sel graph.Selector
	dryRun := fs.Bool("dry-run", false, "print the execution plan without submitting")
	fs.StringVar(&sel.From, "from", "", "start at this task, skipping its ancestors")
	fs.StringVar(&sel.To, "to", "", "stop at this task, running only its ancestors")
	fs.StringVar(&sel.Only, "only", "", "run this task alone")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: run takes exactly one workflow file", errUsage)
	}

	wf, err := workflow.Load(fs.Arg(0))
	if err != nil {
		var serr *workflow.SchemaError
		if errors.As(err, &serr) {
			for _, fe := range serr.Errors {
				fmt.Fprintf(a.out, "%s: %s\n", fe.Path, fe.Message)
			}
			return errFailed
		}
		return err
	}
	plan, err := wf.Plan(sel)
	if err != nil {
		return err
	}

	if *dryRun {
		fmt.Fprintf(a.out, "workflow %s: %d tasks\n", wf.Name, len(plan.Tasks()))
		for i, level := range plan.Levels() {
			fmt.Fprintf(a.out, "  level %d: %s\n", i, strings.Join(level, ", "))
		}
		return nil
	}

	gw, err := a.gateway()
	if err != nil {
		return err
	}
	sinks, err := a.notifySinks(ctx)
	if err != nil {
		return err
	}
	db, err := a.openHistory(ctx)
	if err != nil {
		a.logger.Warn("job history unavailable", "error", err)
	}
	if db != nil {
		defer db.Close()
		sinks = append(sinks, callback.NewHistorySink(db, wf.Tasks, a.logger))
	}

	res, runErr := a.scheduler(gw, callback.Multi(sinks...)).Run(ctx, plan, scheduler.WithWorkflow(wf.Name))

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tJOB\tERROR")
	for _, name := range res.Order {
		tr := res.Tasks[name]
		msg := ""
		if tr.Err != nil {
			msg = tr.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, tr.Status, tr.JobID, msg)
	}
	tw.Flush()
	fmt.Fprintf(a.out, "run %s %s in %s\n", res.RunID, res.Status, res.FinishedAt.Sub(res.StartedAt).Round(time.Second))

	if runErr != nil {
		a.logger.Error("run did not complete", "run_id", res.RunID, "error", runErr)
		return errFailed
	}
	if !res.Succeeded() {
		return errFailed
	}
	return nil
}

// --- report ---

func (a *app) reportCmd(ctx context.Context, args []string) error {
	fs := a.flagSet("report")
	var in reporter.ConfigInput
	var include string
	once := fs.Bool("once", false, "print one report and exit")
	fs.StringVar(&in.Interval, "interval", "", "report every interval (e.g. 1h, 30m)")
	fs.StringVar(&in.Cron, "cron", "", "report on a 5-field cron schedule")
	fs.StringVar(&include, "include", "", "comma-separated sections: jobs,resources,user")
	fs.StringVar(&in.Partition, "partition", "", "limit to one partition")
	fs.StringVar(&in.User, "user", "", "user for the user section (default $USER)")
	fs.StringVar(&in.Timeframe, "timeframe", "", "window for finished jobs (default 24h)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if include != "" {
		in.Include = strings.Split(include, ",")
	}
	if *once && in.Interval == "" && in.Cron == "" {
		in.Interval = "1h"
	}

	cfg, err := reporter.NewConfig(in)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	cfg.Monitor = a.monitorConfig()

	gw, err := a.gateway()
	if err != nil {
		return err
	}

	if *once {
		rep := reporter.New(gw, nil, cfg, a.logger).BuildReport(ctx)
		return printJSON(a, rep)
	}

	sinks, err := a.notifySinks(ctx)
	if err != nil {
		return err
	}
	arch, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	if arch != nil {
		sinks = append(sinks, callback.NewArchiveSink(arch, a.logger))
	}

	a.logger.Info("starting reporter", "schedule", cfg.Expr, "partition", cfg.Partition)
	return reporter.New(gw, callback.Multi(sinks...), cfg, a.logger).Run(ctx)
}

// --- resources ---

func (a *app) resourcesCmd(ctx context.Context, args []string) error {
	fs := a.flagSet("resources")
	partition := fs.String("partition", "", "partition to inspect")
	wait := fs.String("wait", "", `block until the expression holds, e.g. "gpus_available >= 4"`)
	timeout := fs.Duration("timeout", 0, "give up waiting after this long (0 = never)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	gw, err := a.gateway()
	if err != nil {
		return err
	}
	rm := monitor.NewResourceMonitor(gw, *partition, a.monitorConfig(), a.logger)

	if *wait == "" {
		snap, err := rm.Snapshot(ctx)
		if err != nil {
			return err
		}
		return printJSON(a, snap.Stats())
	}

	pred, err := monitor.CompilePredicate(*wait)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	snap, err := rm.WatchUntil(ctx, pred, monitor.WatchOptions{Timeout: *timeout})
	if err != nil {
		return err
	}
	return printJSON(a, snap.Stats())
}

// --- history ---

func (a *app) historyCmd(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: history needs recent, stats or workflow", errUsage)
	}
	sub, args := args[0], args[1:]

	fs := a.flagSet("history " + sub)
	limit := fs.Int("limit", 20, "number of jobs to show")
	from := fs.String("from", "", "first day (YYYY-MM-DD)")
	to := fs.String("to", "", "last day (YYYY-MM-DD)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	if a.cfg.HistoryDB == "" {
		return errors.New("job history is disabled (HISTORY_DB is empty)")
	}
	db, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	switch sub {
	case "recent":
		records, err := db.Recent(ctx, *limit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "JOB\tTASK\tSTATUS\tSUBMITTED\tDURATION\tWORKFLOW")
		for _, r := range records {
			dur := "-"
			if r.DurationSeconds != nil {
				dur = time.Duration(*r.DurationSeconds * float64(time.Second)).Round(time.Second).String()
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.JobID, r.Task, r.Status, r.SubmittedAt.Local().Format(time.DateTime), dur, r.Workflow)
		}
		return tw.Flush()

	case "stats":
		var lo, hi time.Time
		if *from != "" {
			if lo, err = time.ParseInLocation(dayLayout, *from, time.Local); err != nil {
				return fmt.Errorf("%w: --from: %v", errUsage, err)
			}
		}
		if *to != "" {
			if hi, err = time.ParseInLocation(dayLayout, *to, time.Local); err != nil {
				return fmt.Errorf("%w: --to: %v", errUsage, err)
			}
			hi = hi.Add(24*time.Hour - time.Nanosecond)
		}
		stats, err := db.Stats(ctx, lo, hi)
		if err != nil {
			return err
		}
		return printJSON(a, stats)

	case "workflow":
		if fs.NArg() != 1 {
			return fmt.Errorf("%w: history workflow takes a workflow name", errUsage)
		}
		stats, err := db.WorkflowStats(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		return printJSON(a, stats)
	}
	return fmt.Errorf("%w: unknown history command %q", errUsage, sub)
}

func printJSON(a *app, v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
