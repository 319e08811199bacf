// Package history records submitted jobs in a local SQLite database and
// answers usage queries over them.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flexinfer/clusterflow/pkg/types"
)

// ErrNotRecorded is returned when completing a job that was never recorded.
var ErrNotRecorded = errors.New("job not recorded")

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	task TEXT NOT NULL,
	command TEXT,
	status TEXT NOT NULL,
	nodes INTEGER,
	gpus_per_node INTEGER,
	cpus_per_task INTEGER,
	memory_per_node TEXT,
	time_limit TEXT,
	partition TEXT,
	environment TEXT,
	submitted_at INTEGER NOT NULL,
	completed_at INTEGER,
	duration_seconds REAL,
	workflow TEXT,
	run_id TEXT,
	log_file TEXT,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_job_id ON jobs(job_id);
CREATE INDEX IF NOT EXISTS idx_jobs_submitted_at ON jobs(submitted_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

// Record is one job in the history.
type Record struct {
	ID              int64             `json:"id"`
	JobID           string            `json:"job_id"`
	Task            string            `json:"task"`
	Command         string            `json:"command,omitempty"`
	Status          types.TaskStatus  `json:"status"`
	Nodes           int               `json:"nodes"`
	GPUsPerNode     int               `json:"gpus_per_node"`
	CPUsPerTask     int               `json:"cpus_per_task"`
	MemoryPerNode   string            `json:"memory_per_node,omitempty"`
	TimeLimit       string            `json:"time_limit,omitempty"`
	Partition       string            `json:"partition,omitempty"`
	Environment     string            `json:"environment,omitempty"`
	SubmittedAt     time.Time         `json:"submitted_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	DurationSeconds *float64          `json:"duration_seconds,omitempty"`
	Workflow        string            `json:"workflow,omitempty"`
	RunID           string            `json:"run_id,omitempty"`
	LogFile         string            `json:"log_file,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Stats summarizes jobs submitted within a date range.
type Stats struct {
	TotalJobs          int                      `json:"total_jobs"`
	JobsByStatus       map[types.TaskStatus]int `json:"jobs_by_status"`
	AvgDurationSeconds *float64                 `json:"avg_duration_seconds,omitempty"`
	TotalGPUHours      float64                  `json:"total_gpu_hours"`
	From               *time.Time               `json:"from,omitempty"`
	To                 *time.Time               `json:"to,omitempty"`
}

// WorkflowStats summarizes completed jobs belonging to one workflow.
type WorkflowStats struct {
	Workflow           string     `json:"workflow"`
	TotalExecutions    int        `json:"total_executions"`
	AvgDurationSeconds *float64   `json:"avg_duration_seconds,omitempty"`
	FirstExecution     *time.Time `json:"first_execution,omitempty"`
	LastExecution      *time.Time `json:"last_execution,omitempty"`
}

// DB is the job history database.
type DB struct {
	db *sql.DB
}

// DefaultPath is ~/.clusterflow/history.db.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".clusterflow", "history.db")
}

// Open opens or creates the database at path. An empty path uses
// DefaultPath.
func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (h *DB) Close() error {
	return h.db.Close()
}

// Submission describes a job at the moment it was handed to the cluster.
type Submission struct {
	JobID    string
	Task     *types.Task
	Workflow string
	RunID    string
	At       time.Time
	Metadata map[string]string
}

// RecordSubmission inserts a job in the submitted state.
func (h *DB) RecordSubmission(ctx context.Context, s Submission) error {
	at := s.At
	if at.IsZero() {
		at = time.Now()
	}
	t := s.Task
	r := t.Resources

	var env string
	if t.Environment.Kind != types.EnvNone {
		env = string(t.Environment.Kind) + ":" + t.Environment.Value
	}
	var logFile string
	if t.LogDir != "" {
		logFile = filepath.Join(t.LogDir, fmt.Sprintf("%s_%s.log", t.Name, s.JobID))
	}
	var meta sql.NullString
	if len(s.Metadata) > 0 {
		b, err := json.Marshal(s.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}

	_, err := h.db.ExecContext(ctx, `
		INSERT INTO jobs (
			job_id, task, command, status, nodes, gpus_per_node, cpus_per_task,
			memory_per_node, time_limit, partition, environment, submitted_at,
			workflow, run_id, log_file, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.JobID, t.Name, t.CommandString(), string(types.TaskSubmitted),
		r.Nodes, r.GPUsPerNode, r.CPUsPerTask,
		r.MemoryPerNode, r.TimeLimit, r.Partition, env, at.UnixMilli(),
		s.Workflow, s.RunID, logFile, meta,
	)
	if err != nil {
		return fmt.Errorf("record submission of %s: %w", s.JobID, err)
	}
	return nil
}

// RecordCompletion marks the most recent record of jobID finished and
// stores its duration.
func (h *DB) RecordCompletion(ctx context.Context, jobID string, status types.TaskStatus, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	var (
		id        int64
		submitted int64
	)
	err := h.db.QueryRowContext(ctx,
		`SELECT id, submitted_at FROM jobs WHERE job_id = ? ORDER BY id DESC LIMIT 1`, jobID,
	).Scan(&id, &submitted)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotRecorded, jobID)
	}
	if err != nil {
		return fmt.Errorf("lookup %s: %w", jobID, err)
	}

	duration := at.Sub(time.UnixMilli(submitted)).Seconds()
	if _, err := h.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ?, duration_seconds = ? WHERE id = ?`,
		string(status), at.UnixMilli(), duration, id,
	); err != nil {
		return fmt.Errorf("record completion of %s: %w", jobID, err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (h *DB) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, job_id, task, command, status, nodes, gpus_per_node, cpus_per_task,
		       memory_per_node, time_limit, partition, environment, submitted_at,
		       completed_at, duration_seconds, workflow, run_id, log_file, metadata
		FROM jobs ORDER BY submitted_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent jobs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                             Record
			command, mem, limitStr, part  sql.NullString
			env, wf, runID, logFile, meta sql.NullString
			nodes, gpus, cpus             sql.NullInt64
			submitted                     int64
			completed                     sql.NullInt64
			duration                      sql.NullFloat64
			status                        string
		)
		if err := rows.Scan(&r.ID, &r.JobID, &r.Task, &command, &status, &nodes, &gpus, &cpus,
			&mem, &limitStr, &part, &env, &submitted, &completed, &duration, &wf, &runID, &logFile, &meta); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		r.Command = command.String
		r.Status = types.TaskStatus(status)
		r.Nodes, r.GPUsPerNode, r.CPUsPerTask = int(nodes.Int64), int(gpus.Int64), int(cpus.Int64)
		r.MemoryPerNode, r.TimeLimit, r.Partition = mem.String, limitStr.String, part.String
		r.Environment, r.Workflow, r.RunID, r.LogFile = env.String, wf.String, runID.String, logFile.String
		r.SubmittedAt = time.UnixMilli(submitted)
		if completed.Valid {
			t := time.UnixMilli(completed.Int64)
			r.CompletedAt = &t
		}
		if duration.Valid {
			d := duration.Float64
			r.DurationSeconds = &d
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", r.JobID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats summarizes jobs submitted in [from, to]. Zero times leave that end
// of the range open.
func (h *DB) Stats(ctx context.Context, from, to time.Time) (*Stats, error) {
	var (
		conds []string
		args  []any
	)
	st := &Stats{JobsByStatus: make(map[types.TaskStatus]int)}
	if !from.IsZero() {
		conds = append(conds, "submitted_at >= ?")
		args = append(args, from.UnixMilli())
		st.From = &from
	}
	if !to.IsZero() {
		conds = append(conds, "submitted_at <= ?")
		args = append(args, to.UnixMilli())
		st.To = &to
	}
	where := func(extra ...string) string {
		all := append(append([]string(nil), conds...), extra...)
		if len(all) == 0 {
			return ""
		}
		return " WHERE " + strings.Join(all, " AND ")
	}

	if err := h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs"+where(), args...).Scan(&st.TotalJobs); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := h.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs"+where()+" GROUP BY status", args...)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		st.JobsByStatus[types.TaskStatus(status)] = n
	}
	rows.Close()

	var avg sql.NullFloat64
	if err := h.db.QueryRowContext(ctx,
		"SELECT AVG(duration_seconds) FROM jobs"+where("duration_seconds IS NOT NULL"), args...,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		st.AvgDurationSeconds = &avg.Float64
	}

	var gpuHours sql.NullFloat64
	if err := h.db.QueryRowContext(ctx,
		"SELECT SUM(duration_seconds * gpus_per_node * nodes) / 3600.0 FROM jobs"+
			where("duration_seconds IS NOT NULL", "gpus_per_node IS NOT NULL"), args...,
	).Scan(&gpuHours); err != nil {
		return nil, fmt.Errorf("gpu hours: %w", err)
	}
	st.TotalGPUHours = gpuHours.Float64
	return st, nil
}

// WorkflowStats summarizes finished jobs of the named workflow.
func (h *DB) WorkflowStats(ctx context.Context, workflow string) (*WorkflowStats, error) {
	var (
		n           int
		avg         sql.NullFloat64
		first, last sql.NullInt64
	)
	err := h.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(duration_seconds), MIN(submitted_at), MAX(submitted_at)
		FROM jobs WHERE workflow = ? AND duration_seconds IS NOT NULL`, workflow,
	).Scan(&n, &avg, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("workflow stats: %w", err)
	}

	ws := &WorkflowStats{Workflow: workflow, TotalExecutions: n}
	if avg.Valid {
		ws.AvgDurationSeconds = &avg.Float64
	}
	if first.Valid {
		t := time.UnixMilli(first.Int64)
		ws.FirstExecution = &t
	}
	if last.Valid {
		t := time.UnixMilli(last.Int64)
		ws.LastExecution = &t
	}
	return ws, nil
}
