package reporter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flexinfer/clusterflow/internal/callback"
	"github.com/flexinfer/clusterflow/internal/gateway"
	"github.com/flexinfer/clusterflow/internal/gateway/gatewaytest"
	"github.com/flexinfer/clusterflow/internal/monitor"
	"github.com/flexinfer/clusterflow/pkg/types"
)

func TestNewConfig(t *testing.T) {
	tests := []struct {
		name    string
		in      ConfigInput
		wantErr bool
	}{
		{"interval", ConfigInput{Interval: "1h"}, false},
		{"cron", ConfigInput{Cron: "0 9 * * *"}, false},
		{"floor exactly", ConfigInput{Interval: "60s"}, false},
		{"both", ConfigInput{Interval: "1h", Cron: "0 9 * * *"}, true},
		{"neither", ConfigInput{}, true},
		{"below floor", ConfigInput{Interval: "30s"}, true},
		{"bad unit", ConfigInput{Interval: "5w"}, true},
		{"zero", ConfigInput{Interval: "0m"}, true},
		{"cron four fields", ConfigInput{Cron: "0 9 * *"}, true},
		{"cron bad field", ConfigInput{Cron: "61 * * * *"}, true},
		{"unknown section", ConfigInput{Interval: "1h", Include: []string{"jobs", "disk"}}, true},
		{"bad timeframe", ConfigInput{Interval: "1h", Timeframe: "yesterday"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NewConfig(tt.in)
			if tt.wantErr {
				var cerr *ScheduleConfigError
				if !errors.As(err, &cerr) {
					t.Fatalf("err = %v, want *ScheduleConfigError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewConfig: %v", err)
			}
			if cfg.Schedule == nil {
				t.Error("schedule not set")
			}
		})
	}
}

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig(ConfigInput{Interval: "1h"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Timeframe != 24*time.Hour {
		t.Errorf("Timeframe = %s", cfg.Timeframe)
	}
	for _, s := range AllSections {
		if !cfg.Has(s) {
			t.Errorf("missing default section %s", s)
		}
	}

	cfg, err = NewConfig(ConfigInput{Interval: "2d", Include: []string{"Jobs", "jobs"}, Timeframe: "7d"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Include) != 1 || cfg.Include[0] != SectionJobs {
		t.Errorf("Include = %v", cfg.Include)
	}
	if cfg.Timeframe != 7*24*time.Hour {
		t.Errorf("Timeframe = %s", cfg.Timeframe)
	}
}

func TestParseSchedule(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 30, 0, 0, time.Local)

	s, err := ParseSchedule("0 9 * * *")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := s.Next(base), time.Date(2024, 3, 1, 9, 0, 0, 0, time.Local); !got.Equal(want) {
		t.Errorf("Next = %s, want %s", got, want)
	}

	s, err = ParseSchedule("30m")
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Next(base).Sub(base); got != 30*time.Minute {
		t.Errorf("interval = %s", got)
	}

	// The floor is a config rule, not a parse rule.
	if _, err := ParseSchedule("10s"); err != nil {
		t.Errorf("ParseSchedule(10s): %v", err)
	}
	for _, bad := range []string{"", "abc", "1 2 3", "m5"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Errorf("ParseSchedule(%q) succeeded", bad)
		}
	}
}

// every is a sub-second schedule for tests.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

func testConfig(include ...Section) *Config {
	if len(include) == 0 {
		include = AllSections
	}
	return &Config{
		Schedule:  every(5 * time.Millisecond),
		Expr:      "5ms",
		Include:   include,
		Partition: "gpu",
		User:      "alice",
		Timeframe: 24 * time.Hour,
		Delivery:  callback.RetryPolicy{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		Monitor: &monitor.Config{
			PollInterval: time.Millisecond,
			Retry:        monitor.RetryPolicy{MaxTries: 1},
		},
	}
}

type reportSink struct {
	callback.Base
	mu      sync.Mutex
	reports []*types.Report
	calls   int
	failN   int
}

func (s *reportSink) OnScheduledReport(_ context.Context, r *types.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failN != 0 {
		if s.failN > 0 {
			s.failN--
		}
		return errors.New("webhook unavailable")
	}
	s.reports = append(s.reports, r)
	return nil
}

func (s *reportSink) counts() (calls, delivered int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, len(s.reports)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBuildReport(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Hour)
	old := now.Add(-48 * time.Hour)

	gw := gatewaytest.New()
	gw.SetList([]gateway.JobInfo{
		{ID: "1", State: "PENDING", Partition: "gpu", User: "alice"},
		{ID: "2", State: "RUNNING", Partition: "gpu", User: "alice"},
		{ID: "3", State: "RUNNING", Partition: "gpu", User: "bob"},
		{ID: "4", State: "COMPLETED", Partition: "gpu", User: "alice", FinishedAt: &recent},
		{ID: "5", State: "FAILED", Partition: "gpu", User: "bob", FinishedAt: &recent},
		{ID: "6", State: "CANCELLED by 42", Partition: "gpu", User: "alice", FinishedAt: &recent},
		{ID: "7", State: "COMPLETED", Partition: "gpu", User: "alice", FinishedAt: &old},
		{ID: "8", State: "RUNNING", Partition: "cpu", User: "alice"},
	}, nil)
	gw.SetSnapshots(types.ResourceSnapshot{TotalGPUs: 16, GPUsInUse: 12, NodesTotal: 4, NodesIdle: 1})

	r := New(gw, nil, testConfig(), nil)
	rep := r.BuildReport(context.Background())

	if want := (types.JobStats{Pending: 1, Running: 2, Completed: 1, Failed: 1, Cancelled: 1}); *rep.JobStats != want {
		t.Errorf("JobStats = %+v, want %+v", *rep.JobStats, want)
	}
	if want := (types.JobStats{Pending: 1, Running: 1, Completed: 1, Cancelled: 1}); *rep.UserStats != want {
		t.Errorf("UserStats = %+v, want %+v", *rep.UserStats, want)
	}
	if rep.User != "alice" || rep.Partition != "gpu" {
		t.Errorf("user/partition = %q/%q", rep.User, rep.Partition)
	}
	rs := rep.ResourceStats
	if rs.Partition != "gpu" || rs.GPUsAvailable != 4 || rs.Utilization() != 75 {
		t.Errorf("ResourceStats = %+v", rs)
	}
	if rep.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestBuildReport_Sections(t *testing.T) {
	gw := gatewaytest.New()
	gw.SetSnapshots(types.ResourceSnapshot{TotalGPUs: 8})
	r := New(gw, nil, testConfig(SectionResources), nil)

	rep := r.BuildReport(context.Background())
	if rep.JobStats != nil || rep.UserStats != nil {
		t.Errorf("unrequested sections present: %+v", rep)
	}
	if rep.ResourceStats == nil || rep.ResourceStats.TotalGPUs != 8 {
		t.Errorf("ResourceStats = %+v", rep.ResourceStats)
	}
}

func TestBuildReport_QueryFailure(t *testing.T) {
	gw := gatewaytest.New()
	gw.SetList(nil, errors.New("squeue: connection refused"))
	gw.FailSnapshots(100)

	r := New(gw, nil, testConfig(), nil)
	rep := r.BuildReport(context.Background())

	if *rep.JobStats != (types.JobStats{}) || *rep.UserStats != (types.JobStats{}) {
		t.Errorf("expected zeroed job stats, got %+v / %+v", rep.JobStats, rep.UserStats)
	}
	if rep.ResourceStats == nil || rep.ResourceStats.TotalGPUs != 0 || rep.ResourceStats.Partition != "gpu" {
		t.Errorf("ResourceStats = %+v", rep.ResourceStats)
	}
}

func TestReporter_StartStop(t *testing.T) {
	gw := gatewaytest.New()
	gw.SetSnapshots(types.ResourceSnapshot{TotalGPUs: 8})
	sink := &reportSink{}
	r := New(gw, sink, testConfig(SectionResources), nil)

	if r.State() != Idle {
		t.Fatalf("initial state = %s", r.State())
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.State() != Running {
		t.Errorf("state after Start = %s", r.State())
	}
	if err := r.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start err = %v", err)
	}

	waitFor(t, func() bool { _, n := sink.counts(); return n >= 3 })
	r.Stop()
	if r.State() != Idle {
		t.Errorf("state after Stop = %s", r.State())
	}

	_, stopped := sink.counts()
	time.Sleep(20 * time.Millisecond)
	if _, n := sink.counts(); n != stopped {
		t.Errorf("reports kept arriving after Stop: %d -> %d", stopped, n)
	}

	// Stop on an idle reporter is a no-op, and the reporter can restart.
	r.Stop()
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	r.Stop()
}

func TestReporter_RunInitialReportAndCancel(t *testing.T) {
	gw := gatewaytest.New()
	gw.SetSnapshots(types.ResourceSnapshot{TotalGPUs: 8})
	sink := &reportSink{}
	cfg := testConfig(SectionResources)
	cfg.Schedule = every(time.Hour)
	r := New(gw, sink, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	waitFor(t, func() bool { _, n := sink.counts(); return n == 1 })
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if r.State() != Idle {
		t.Errorf("state = %s", r.State())
	}
}

func TestReporter_DeliveryRetry(t *testing.T) {
	t.Run("transient failure is retried", func(t *testing.T) {
		gw := gatewaytest.New()
		gw.SetSnapshots(types.ResourceSnapshot{TotalGPUs: 8})
		sink := &reportSink{failN: 2}
		cfg := testConfig(SectionResources)
		cfg.Schedule = every(time.Hour)
		r := New(gw, sink, cfg, nil)

		r.tick(context.Background())
		if calls, n := sink.counts(); calls != 3 || n != 1 {
			t.Errorf("calls = %d, delivered = %d", calls, n)
		}
	})

	t.Run("failing sink does not repeat delivery to healthy sinks", func(t *testing.T) {
		gw := gatewaytest.New()
		gw.SetSnapshots(types.ResourceSnapshot{TotalGPUs: 8})
		healthy := &reportSink{}
		webhook := &reportSink{failN: -1}
		cfg := testConfig(SectionResources)
		cfg.Schedule = every(time.Hour)
		policy := callback.RetryPolicy{MaxTries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
		r := New(gw, callback.Multi(healthy, callback.WithRetry(webhook, "webhook", policy)), cfg, nil)

		r.tick(context.Background())
		if calls, n := healthy.counts(); calls != 1 || n != 1 {
			t.Errorf("healthy sink calls = %d, delivered = %d, want 1 and 1", calls, n)
		}
		if calls, _ := webhook.counts(); calls != 2 {
			t.Errorf("webhook attempts = %d, want 2 from its own policy", calls)
		}
	})

	t.Run("persistent failure does not stop the schedule", func(t *testing.T) {
		gw := gatewaytest.New()
		gw.SetSnapshots(types.ResourceSnapshot{TotalGPUs: 8})
		sink := &reportSink{failN: -1}
		r := New(gw, sink, testConfig(SectionResources), nil)

		if err := r.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		// Three tries per tick; more than six calls means a later tick ran.
		waitFor(t, func() bool { calls, _ := sink.counts(); return calls > 6 })
		r.Stop()
		if _, n := sink.counts(); n != 0 {
			t.Errorf("delivered = %d", n)
		}
	})
}
