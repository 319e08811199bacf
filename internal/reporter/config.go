package reporter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flexinfer/clusterflow/internal/callback"
	"github.com/flexinfer/clusterflow/internal/monitor"
)

// Section is one part of a report.
type Section string

const (
	SectionJobs      Section = "jobs"
	SectionResources Section = "resources"
	SectionUser      Section = "user"
)

// AllSections is the default report content.
var AllSections = []Section{SectionJobs, SectionResources, SectionUser}

// MinInterval is the shortest allowed gap between ticks.
const MinInterval = time.Minute

// DefaultTimeframe is the trailing window for finished-job counts.
const DefaultTimeframe = 24 * time.Hour

// ScheduleConfigError reports an invalid report configuration.
type ScheduleConfigError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ScheduleConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("reporter: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("reporter: %s %q: %s", e.Field, e.Value, e.Reason)
}

// Config is a validated report configuration.
type Config struct {
	// Schedule yields tick times. Use NewConfig to build one with the
	// interval floor enforced.
	Schedule cron.Schedule

	// Expr is the schedule as written, for logging.
	Expr string

	Include   []Section
	Partition string
	User      string
	Timeframe time.Duration

	// Delivery bounds sink retries per tick.
	Delivery callback.RetryPolicy

	// Monitor configures the query retry used while building reports.
	Monitor *monitor.Config
}

// Has reports whether s is part of the report.
func (c *Config) Has(s Section) bool {
	for _, v := range c.Include {
		if v == s {
			return true
		}
	}
	return false
}

// ConfigInput is the raw, unvalidated configuration. Exactly one of Interval
// and Cron must be set.
type ConfigInput struct {
	Interval  string
	Cron      string
	Include   []string
	Partition string
	User      string
	Timeframe string
}

// NewConfig validates in. Errors are *ScheduleConfigError.
func NewConfig(in ConfigInput) (*Config, error) {
	interval := strings.TrimSpace(in.Interval)
	cronExpr := strings.TrimSpace(in.Cron)

	var (
		sched cron.Schedule
		expr  string
	)
	switch {
	case interval != "" && cronExpr != "":
		return nil, &ScheduleConfigError{Field: "schedule", Reason: "interval and cron are mutually exclusive"}
	case interval == "" && cronExpr == "":
		return nil, &ScheduleConfigError{Field: "schedule", Reason: "one of interval or cron is required"}
	case interval != "":
		d, err := parseInterval("interval", interval)
		if err != nil {
			return nil, err
		}
		if d < MinInterval {
			return nil, &ScheduleConfigError{Field: "interval", Value: interval, Reason: fmt.Sprintf("minimum interval is %s", MinInterval)}
		}
		sched, expr = cron.Every(d), interval
	default:
		s, err := parseCron(cronExpr)
		if err != nil {
			return nil, err
		}
		sched, expr = s, cronExpr
	}

	cfg := &Config{
		Schedule:  sched,
		Expr:      expr,
		Partition: in.Partition,
		User:      in.User,
		Timeframe: DefaultTimeframe,
		Delivery:  callback.DefaultRetryPolicy(),
	}

	if len(in.Include) == 0 {
		cfg.Include = append([]Section(nil), AllSections...)
	}
	for _, name := range in.Include {
		s := Section(strings.ToLower(strings.TrimSpace(name)))
		switch s {
		case SectionJobs, SectionResources, SectionUser:
			if !cfg.Has(s) {
				cfg.Include = append(cfg.Include, s)
			}
		default:
			return nil, &ScheduleConfigError{Field: "include", Value: name, Reason: "valid sections are jobs, resources, user"}
		}
	}

	if tf := strings.TrimSpace(in.Timeframe); tf != "" {
		d, err := parseInterval("timeframe", tf)
		if err != nil {
			return nil, err
		}
		cfg.Timeframe = d
	}
	return cfg, nil
}

// ParseSchedule parses either an interval token such as "30m" or a 5-field
// cron expression. It does not enforce the interval floor.
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if strings.ContainsAny(expr, " \t") {
		return parseCron(expr)
	}
	d, err := parseInterval("schedule", expr)
	if err != nil {
		return nil, err
	}
	return cron.Every(d), nil
}

var intervalPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

func parseInterval(field, s string) (time.Duration, error) {
	m := intervalPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, &ScheduleConfigError{Field: field, Value: s, Reason: "expected <number><s|m|h|d>"}
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, &ScheduleConfigError{Field: field, Value: s, Reason: "must be a positive number"}
	}
	unit := map[string]time.Duration{"s": time.Second, "m": time.Minute, "h": time.Hour, "d": 24 * time.Hour}[m[2]]
	return time.Duration(n) * unit, nil
}

func parseCron(expr string) (cron.Schedule, error) {
	if n := len(strings.Fields(expr)); n != 5 {
		return nil, &ScheduleConfigError{Field: "cron", Value: expr, Reason: fmt.Sprintf("expected 5 fields (minute hour day month weekday), got %d", n)}
	}
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, &ScheduleConfigError{Field: "cron", Value: expr, Reason: err.Error()}
	}
	return s, nil
}
