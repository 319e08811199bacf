package monitor

import (
	"strings"

	"github.com/flexinfer/clusterflow/pkg/types"
)

// vocabulary maps scheduler state names, upper-cased, to canonical states.
// It covers SLURM job states and the states reported by the Kubernetes
// gateway.
var vocabulary = map[string]types.JobState{
	// SLURM
	"PENDING":       types.JobPending,
	"CONFIGURING":   types.JobPending,
	"REQUEUED":      types.JobPending,
	"REQUEUE_FED":   types.JobPending,
	"REQUEUE_HOLD":  types.JobPending,
	"RESV_DEL_HOLD": types.JobPending,
	"SUSPENDED":     types.JobPending,
	"STOPPED":       types.JobPending,
	"RESIZING":      types.JobRunning,
	"RUNNING":       types.JobRunning,
	"COMPLETING":    types.JobRunning,
	"STAGE_OUT":     types.JobRunning,
	"SIGNALING":     types.JobRunning,
	"COMPLETED":     types.JobSucceeded,
	"FAILED":        types.JobFailed,
	"NODE_FAIL":     types.JobFailed,
	"BOOT_FAIL":     types.JobFailed,
	"OUT_OF_MEMORY": types.JobFailed,
	"DEADLINE":      types.JobFailed,
	"PREEMPTED":     types.JobFailed,
	"SPECIAL_EXIT":  types.JobFailed,
	"REVOKED":       types.JobCancelled,
	"CANCELLED":     types.JobCancelled,
	"TIMEOUT":       types.JobCancelled,

	// Kubernetes
	"COMPLETE":         types.JobSucceeded,
	"SUCCEEDED":        types.JobSucceeded,
	"DEADLINEEXCEEDED": types.JobCancelled,
}

// Normalizer converts raw scheduler states into canonical states.
type Normalizer struct {
	table map[string]types.JobState
}

// NewNormalizer returns a normalizer over the built-in vocabulary with
// overrides applied on top.
func NewNormalizer(overrides map[string]types.JobState) *Normalizer {
	table := make(map[string]types.JobState, len(vocabulary)+len(overrides))
	for k, v := range vocabulary {
		table[k] = v
	}
	for k, v := range overrides {
		table[strings.ToUpper(k)] = v
	}
	return &Normalizer{table: table}
}

// Normalize maps raw to a canonical state. It is case-insensitive, accepts
// SLURM's abbreviated "CA"/"CD" style codes and suffixed forms such as
// "CANCELLED by 1000" or "RUNNING+". Anything unrecognized is Unknown.
func (n *Normalizer) Normalize(raw string) types.JobState {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return types.JobUnknown
	}
	if st, ok := n.table[s]; ok {
		return st
	}
	if i := strings.IndexAny(s, " +*"); i > 0 {
		if st, ok := n.table[s[:i]]; ok {
			return st
		}
	}
	if st, ok := shortCodes[s]; ok {
		return st
	}
	return types.JobUnknown
}

var defaultNormalizer = NewNormalizer(nil)

// Normalize maps raw through the built-in vocabulary.
func Normalize(raw string) types.JobState {
	return defaultNormalizer.Normalize(raw)
}

// shortCodes are squeue's compact %t state codes.
var shortCodes = map[string]types.JobState{
	"PD":  types.JobPending,
	"CF":  types.JobPending,
	"RQ":  types.JobPending,
	"S":   types.JobPending,
	"R":   types.JobRunning,
	"CG":  types.JobRunning,
	"CD":  types.JobSucceeded,
	"F":   types.JobFailed,
	"NF":  types.JobFailed,
	"BF":  types.JobFailed,
	"OOM": types.JobFailed,
	"DL":  types.JobFailed,
	"PR":  types.JobFailed,
	"CA":  types.JobCancelled,
	"TO":  types.JobCancelled,
}
