package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field expressions, six-field
// expressions with a leading seconds column, and descriptors like
// @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ScheduleConfig is the raw schedule block of an entry. Exactly one of
// At, Every, or Cron must be set; At wins when several are present.
type ScheduleConfig struct {
	// Cron is a cron expression ("0 9 * * MON-FRI", "@hourly").
	Cron string `json:"cron,omitempty" yaml:"cron,omitempty"`
	// Every fires at a fixed interval, measured from the previous fire.
	Every time.Duration `json:"every,omitempty" yaml:"every,omitempty"`
	// At fires once, at an RFC 3339 or "2006-01-02 15:04" timestamp.
	At string `json:"at,omitempty" yaml:"at,omitempty"`
	// Timezone names the IANA location used to resolve At and Cron.
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Schedule kinds.
const (
	KindAt    = "at"
	KindEvery = "every"
	KindCron  = "cron"
)

// Schedule is a parsed, validated schedule. Build one with
// ParseSchedule; the zero value has no next fire time.
type Schedule struct {
	Kind     string
	CronExpr string
	Every    time.Duration
	At       time.Time
	Timezone string

	spec cron.Schedule
	loc  *time.Location
}

// ParseSchedule validates a schedule config. Cron expressions and
// timezones are resolved here so a bad schedule fails at load time,
// not on first fire.
func ParseSchedule(cfg ScheduleConfig) (Schedule, error) {
	sched := Schedule{
		CronExpr: strings.TrimSpace(cfg.Cron),
		Every:    cfg.Every,
		Timezone: strings.TrimSpace(cfg.Timezone),
	}
	if strings.TrimSpace(cfg.At) == "" && sched.Every == 0 && sched.CronExpr == "" {
		return Schedule{}, fmt.Errorf("schedule is required: set at, every, or cron")
	}
	if sched.Timezone != "" {
		loc, err := time.LoadLocation(sched.Timezone)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid timezone %q: %w", sched.Timezone, err)
		}
		sched.loc = loc
	}

	if at := strings.TrimSpace(cfg.At); at != "" {
		parsed, err := parseAt(at, sched.loc)
		if err != nil {
			return Schedule{}, err
		}
		sched.Kind = KindAt
		sched.At = parsed
		return sched, nil
	}
	if sched.Every != 0 {
		if sched.Every < 0 {
			return Schedule{}, fmt.Errorf("every must be positive, got %s", sched.Every)
		}
		sched.Kind = KindEvery
		return sched, nil
	}

	spec, err := cronParser.Parse(sched.CronExpr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression %q: %w", sched.CronExpr, err)
	}
	sched.Kind = KindCron
	sched.spec = spec
	return sched, nil
}

// Next returns the next fire time strictly after now. ok is false when
// the schedule is exhausted, which permanently disables the entry.
func (s Schedule) Next(now time.Time) (next time.Time, ok bool, err error) {
	switch s.Kind {
	case KindAt:
		if s.At.IsZero() {
			return time.Time{}, false, fmt.Errorf("at schedule missing timestamp")
		}
		if !now.Before(s.At) {
			return time.Time{}, false, nil
		}
		return s.At, true, nil
	case KindEvery:
		if s.Every <= 0 {
			return time.Time{}, false, fmt.Errorf("every schedule missing interval")
		}
		return now.Add(s.Every), true, nil
	case KindCron:
		if s.spec == nil {
			return time.Time{}, false, fmt.Errorf("cron schedule missing expression")
		}
		loc := now.Location()
		if s.loc != nil {
			loc = s.loc
		}
		next := s.spec.Next(now.In(loc))
		return next, !next.IsZero(), nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

func parseAt(value string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04"} {
		if parsed, err := time.ParseInLocation(layout, value, loc); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid at timestamp %q: want RFC 3339 or 2006-01-02 15:04", value)
}
