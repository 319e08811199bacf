package types

import "time"

// ResourceSnapshot is one observation of aggregate cluster capacity.
type ResourceSnapshot struct {
	Partition  string    `json:"partition,omitempty"`
	TotalGPUs  int       `json:"total_gpus"`
	GPUsInUse  int       `json:"gpus_in_use"`
	NodesTotal int       `json:"nodes_total"`
	NodesIdle  int       `json:"nodes_idle"`
	NodesDown  int       `json:"nodes_down"`
	ObservedAt time.Time `json:"observed_at"`
}

// GPUsAvailable is never negative, even when the scheduler over-reports usage.
func (s ResourceSnapshot) GPUsAvailable() int {
	if s.GPUsInUse >= s.TotalGPUs {
		return 0
	}
	return s.TotalGPUs - s.GPUsInUse
}

// Equal compares the observable counters, ignoring ObservedAt.
func (s ResourceSnapshot) Equal(o ResourceSnapshot) bool {
	return s.Partition == o.Partition &&
		s.TotalGPUs == o.TotalGPUs &&
		s.GPUsInUse == o.GPUsInUse &&
		s.NodesTotal == o.NodesTotal &&
		s.NodesIdle == o.NodesIdle &&
		s.NodesDown == o.NodesDown
}

// Stats converts the snapshot into the report representation.
func (s ResourceSnapshot) Stats() *ResourceStats {
	return &ResourceStats{
		Partition:     s.Partition,
		TotalGPUs:     s.TotalGPUs,
		GPUsInUse:     s.GPUsInUse,
		GPUsAvailable: s.GPUsAvailable(),
		NodesTotal:    s.NodesTotal,
		NodesIdle:     s.NodesIdle,
		NodesDown:     s.NodesDown,
	}
}

// JobStats counts jobs by canonical state.
type JobStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// TotalActive is the number of jobs still queued or running.
func (s JobStats) TotalActive() int {
	return s.Pending + s.Running
}

// Add counts one job in the given state. Unknown states are not counted.
func (s *JobStats) Add(state JobState) {
	switch state {
	case JobPending:
		s.Pending++
	case JobRunning:
		s.Running++
	case JobSucceeded:
		s.Completed++
	case JobFailed:
		s.Failed++
	case JobCancelled:
		s.Cancelled++
	}
}

// ResourceStats is the report view of a resource snapshot.
type ResourceStats struct {
	Partition     string `json:"partition,omitempty"`
	TotalGPUs     int    `json:"total_gpus"`
	GPUsInUse     int    `json:"gpus_in_use"`
	GPUsAvailable int    `json:"gpus_available"`
	NodesTotal    int    `json:"nodes_total"`
	NodesIdle     int    `json:"nodes_idle"`
	NodesDown     int    `json:"nodes_down"`
}

// Utilization is the percentage of GPUs in use, 0 when the partition has none.
func (s ResourceStats) Utilization() float64 {
	if s.TotalGPUs == 0 {
		return 0
	}
	return float64(s.GPUsInUse) / float64(s.TotalGPUs) * 100
}

// Report is one scheduled status report.
type Report struct {
	Timestamp     time.Time      `json:"timestamp"`
	JobStats      *JobStats      `json:"job_stats,omitempty"`
	ResourceStats *ResourceStats `json:"resource_stats,omitempty"`
	UserStats     *JobStats      `json:"user_stats,omitempty"`
	User          string         `json:"user,omitempty"`
	Partition     string         `json:"partition,omitempty"`
}
