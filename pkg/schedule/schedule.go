// Package schedule parses job schedules: named presets, fixed intervals and
// standard cron expressions.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// MinInterval is the smallest supported interval between triggers.
const MinInterval = time.Second

// Schedule computes trigger times.
type Schedule interface {
	// Next returns the first trigger strictly after t, or the zero time if
	// the schedule never fires.
	Next(t time.Time) time.Time

	String() string
}

// presets are the named schedules, matched case-insensitively. Calendar
// presets fire at midnight local time.
var presets = map[string]string{
	"hourly":       "0 * * * *",
	"hour":         "0 * * * *",
	"daily":        "0 0 * * *",
	"everyday":     "0 0 * * *",
	"weekly":       "0 0 * * 1",
	"monthly":      "0 0 1 * *",
	"everymonth":   "0 0 1 * *",
	"5 minutes":    "*/5 * * * *",
	"5 mins":       "*/5 * * * *",
	"five minutes": "*/5 * * * *",
	"five mins":    "*/5 * * * *",
}

var manualNames = map[string]bool{
	"once":     true,
	"manual":   true,
	"run-once": true,
}

// Parse resolves a schedule string. Accepted forms, in order:
//
//	once | manual | run-once      never fires on its own
//	hourly, daily, weekly, ...    named presets
//	every 90s | 15m               fixed interval
//	0 3 * * *, @daily, @every 1h  cron (with optional CRON_TZ= prefix)
func Parse(s string) (Schedule, error) {
	raw := strings.TrimSpace(s)
	key := strings.ToLower(raw)
	if key == "" {
		return nil, fmt.Errorf("schedule is required")
	}

	if manualNames[key] {
		return Manual{name: key}, nil
	}
	if expr, ok := presets[key]; ok {
		c, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, fmt.Errorf("preset %q: %w", key, err)
		}
		return Cron{expr: key, sched: c}, nil
	}

	if d, ok := parseInterval(key); ok {
		if d < MinInterval {
			return nil, fmt.Errorf("interval %s is shorter than %s", d, MinInterval)
		}
		return Interval{Every: d}, nil
	}

	c, err := cron.ParseStandard(raw)
	if err != nil {
		return nil, fmt.Errorf("%q is not a valid schedule: %w", raw, err)
	}
	return Cron{expr: raw, sched: c}, nil
}

func parseInterval(s string) (time.Duration, bool) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "every "))
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}

// MustParse is Parse for schedules known to be valid.
func MustParse(s string) Schedule {
	sched, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return sched
}

// Manual never fires. Jobs with a manual schedule run only in run-once mode
// or on demand.
type Manual struct {
	name string
}

func (Manual) Next(time.Time) time.Time { return time.Time{} }

func (m Manual) String() string {
	if m.name == "" {
		return "manual"
	}
	return m.name
}

// IsManual reports whether s never fires on its own.
func IsManual(s Schedule) bool {
	_, ok := s.(Manual)
	return ok
}

// Interval fires every Every, measured from the previous trigger.
type Interval struct {
	Every time.Duration
}

func (i Interval) Next(t time.Time) time.Time {
	if i.Every <= 0 {
		return time.Time{}
	}
	return t.Add(i.Every)
}

func (i Interval) String() string { return "every " + i.Every.String() }

// Cron fires on a cron expression or a named calendar preset.
type Cron struct {
	expr  string
	sched cron.Schedule
}

func (c Cron) Next(t time.Time) time.Time {
	if c.sched == nil {
		return time.Time{}
	}
	return c.sched.Next(t)
}

func (c Cron) String() string { return c.expr }
