// Package schedule parses job schedules (cron, fixed interval, one-off) and
// runs them as a cancellable group of timers owned by a single component.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Schedule struct {
	Kind       string `json:"kind"`        // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr"`   // Cron expression (if kind=cron)
	IntervalMs int64  `json:"interval_ms"` // Interval in ms (if kind=interval)
	AtMs       int64  `json:"at_ms"`       // Unix ms timestamp (if kind=once)
}

func ParseSchedule(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Every returns the schedule JSON for a fixed interval.
func Every(d time.Duration) string {
	data, _ := json.Marshal(Schedule{Kind: "interval", IntervalMs: d.Milliseconds()})
	return string(data)
}

// Next returns the first run strictly after from, or false when the
// schedule has no further runs.
func (s *Schedule) Next(from time.Time) (time.Time, bool) {
	switch s.Kind {
	case "cron":
		next, err := gronx.NextTickAfter(s.CronExpr, from, false)
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	case "interval":
		if s.IntervalMs <= 0 {
			return time.Time{}, false
		}
		return from.Add(time.Duration(s.IntervalMs) * time.Millisecond), true
	case "once":
		t := time.UnixMilli(s.AtMs)
		if t.After(from) {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatSchedule returns a human-readable description of a schedule JSON string.
func FormatSchedule(scheduleJSON string) string {
	s, err := ParseSchedule(scheduleJSON)
	if err != nil {
		return scheduleJSON
	}

	switch s.Kind {
	case "cron":
		return "cron " + s.CronExpr
	case "interval":
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d >= time.Hour && d%time.Hour == 0:
			return plural(int(d.Hours()), "hour")
		case d >= time.Minute && d%time.Minute == 0:
			return plural(int(d.Minutes()), "minute")
		case d >= time.Second && d%time.Second == 0:
			return plural(int(d.Seconds()), "second")
		default:
			return "every " + d.String()
		}
	case "once":
		return "once at " + time.UnixMilli(s.AtMs).Format("Jan 2 15:04")
	default:
		return scheduleJSON
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "every " + unit
	}
	return fmt.Sprintf("every %d %ss", n, unit)
}

// NormalizeSchedule accepts schedule JSON, a plain cron expression or a Go
// duration ("30s", "5m") and returns validated schedule JSON.
func NormalizeSchedule(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		switch s.Kind {
		case "cron":
			if !gronx.New().IsValid(s.CronExpr) {
				return "", fmt.Errorf("invalid cron expression: %s", s.CronExpr)
			}
		case "interval":
			if s.IntervalMs <= 0 {
				return "", fmt.Errorf("interval_ms must be positive")
			}
		case "once":
			if s.AtMs <= 0 {
				return "", fmt.Errorf("at_ms must be positive")
			}
		default:
			return "", fmt.Errorf("unknown schedule kind: %s", s.Kind)
		}
		return raw, nil
	}

	if d, err := time.ParseDuration(raw); err == nil {
		if d <= 0 {
			return "", fmt.Errorf("interval must be positive: %s", raw)
		}
		return Every(d), nil
	}

	if !gronx.New().IsValid(raw) {
		return "", fmt.Errorf("invalid schedule: not JSON, duration or cron expression: %s", raw)
	}

	data, err := json.Marshal(Schedule{Kind: "cron", CronExpr: raw})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
