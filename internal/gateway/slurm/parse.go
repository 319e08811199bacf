package slurm

import (
	"strconv"
	"strings"
	"time"

	"github.com/flexinfer/clusterflow/internal/gateway"
	"github.com/flexinfer/clusterflow/pkg/types"
)

const slurmTime = "2006-01-02T15:04:05"

func parseTime(s string) *time.Time {
	switch s {
	case "", "Unknown", "None", "N/A":
		return nil
	}
	t, err := time.ParseInLocation(slurmTime, s, time.Local)
	if err != nil {
		return nil
	}
	return &t
}

func lines(out []byte) []string {
	var res []string
	for _, l := range strings.Split(string(out), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			res = append(res, l)
		}
	}
	return res
}

// parseSacct reads output of --parsable2 --format=sacctFormat.
func parseSacct(out []byte) []gateway.JobInfo {
	var jobs []gateway.JobInfo
	for _, l := range lines(out) {
		f := strings.Split(l, "|")
		if len(f) < 9 {
			continue
		}
		nodes, _ := strconv.Atoi(f[5])
		jobs = append(jobs, gateway.JobInfo{
			ID:          f[0],
			Name:        f[1],
			State:       f[2],
			Partition:   f[3],
			User:        f[4],
			Nodes:       nodes,
			SubmittedAt: parseTime(f[6]),
			StartedAt:   parseTime(f[7]),
			FinishedAt:  parseTime(f[8]),
		})
	}
	return jobs
}

// parseSqueue reads output of --format=squeueFormat.
func parseSqueue(out []byte) []gateway.JobInfo {
	var jobs []gateway.JobInfo
	for _, l := range lines(out) {
		f := strings.Split(l, "|")
		if len(f) < 8 {
			continue
		}
		nodes, _ := strconv.Atoi(strings.TrimSpace(f[5]))
		jobs = append(jobs, gateway.JobInfo{
			ID:          strings.TrimSpace(f[0]),
			Name:        strings.TrimSpace(f[1]),
			State:       strings.TrimSpace(f[2]),
			Partition:   strings.TrimSpace(f[3]),
			User:        strings.TrimSpace(f[4]),
			Nodes:       nodes,
			SubmittedAt: parseTime(strings.TrimSpace(f[6])),
			StartedAt:   parseTime(strings.TrimSpace(f[7])),
		})
	}
	return jobs
}

// parseSinfo reads a per-node listing of host, state, gres and gres used.
// A node listed under several partitions is counted once.
func parseSinfo(out []byte) *types.ResourceSnapshot {
	snap := &types.ResourceSnapshot{}
	seen := make(map[string]bool)
	for _, l := range lines(out) {
		f := strings.Fields(l)
		if len(f) < 2 || seen[f[0]] {
			continue
		}
		seen[f[0]] = true
		snap.NodesTotal++

		state := nodeState(f[1])
		switch state {
		case "idle":
			snap.NodesIdle++
		case "down":
			snap.NodesDown++
		}
		if state == "down" {
			continue
		}
		if len(f) > 2 {
			snap.TotalGPUs += gpuCount(f[2])
		}
		if len(f) > 3 {
			snap.GPUsInUse += gpuCount(f[3])
		}
	}
	return snap
}

// nodeState collapses SLURM node states into idle, busy or down.
func nodeState(raw string) string {
	// A trailing '*' means the node is not responding.
	if strings.HasSuffix(raw, "*") {
		return "down"
	}
	s := strings.ToLower(strings.TrimRight(raw, "*~#!%$@^-+"))
	switch {
	case strings.HasPrefix(s, "down"),
		strings.Contains(s, "drain"),
		strings.HasPrefix(s, "fail"),
		strings.Contains(s, "not_responding"),
		strings.HasPrefix(s, "unknown"),
		strings.HasPrefix(s, "maint"):
		return "down"
	case strings.HasPrefix(s, "idle"):
		return "idle"
	}
	return "busy"
}

// gpuCount sums gpu entries in a gres string such as
// "gpu:a100:4(S:0-1),gpu:v100:2" or "gpu:2(IDX:0,1)".
func gpuCount(gres string) int {
	var b strings.Builder
	depth := 0
	for _, r := range gres {
		switch {
		case r == '(':
			depth++
		case r == ')':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			b.WriteRune(r)
		}
	}

	total := 0
	for _, entry := range strings.Split(b.String(), ",") {
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || parts[0] != "gpu" {
			continue
		}
		if n, err := strconv.Atoi(parts[len(parts)-1]); err == nil {
			total += n
		}
	}
	return total
}
