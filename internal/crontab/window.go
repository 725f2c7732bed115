// Package crontab evaluates crontab windows: a restriction, on top of a cron
// schedule, of the time-of-day span and weekday span during which a due run
// may actually execute.
//
// A window is written HH-MM-HH-MM-D-D (start hour, start minute, end hour,
// end minute, start weekday, end weekday). Any field may be "*". Weekdays run
// 0 (Monday) to 6 (Sunday). Both spans are inclusive and either may wrap, so
// 22-00-02-00-*-* covers the four hours around midnight and *-*-*-*-5-1
// covers Saturday through Tuesday.
package crontab

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Always is the window that never blocks a run.
const Always = "*-*-*-*-*-*"

// ErrMalformed is wrapped by every parse failure.
var ErrMalformed = errors.New("crontab: malformed window")

// Window is a parsed crontab window.
type Window struct {
	StartMinute int // minutes since midnight
	StopMinute  int
	StartDay    int // 0=Monday
	StopDay     int
}

// ParseWindow parses expr. Wildcards take the widest value for their
// position: 00:00 for the start time, 23:59 for the end time, Monday for the
// start weekday and Sunday for the end weekday.
func ParseWindow(expr string) (Window, error) {
	fields := strings.Split(strings.TrimSpace(expr), "-")
	if len(fields) != 6 {
		return Window{}, fmt.Errorf("%w: %q: want 6 fields, got %d", ErrMalformed, expr, len(fields))
	}

	type field struct {
		name     string
		wildcard int
		max      int
	}
	layout := [6]field{
		{"start hour", 0, 23},
		{"start minute", 0, 59},
		{"end hour", 23, 23},
		{"end minute", 59, 59},
		{"start weekday", 0, 6},
		{"end weekday", 6, 6},
	}

	var v [6]int
	for i, f := range layout {
		raw := strings.TrimSpace(fields[i])
		if raw == "*" {
			v[i] = f.wildcard
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > f.max {
			return Window{}, fmt.Errorf("%w: %q: bad %s %q", ErrMalformed, expr, f.name, raw)
		}
		v[i] = n
	}

	return Window{
		StartMinute: v[0]*60 + v[1],
		StopMinute:  v[2]*60 + v[3],
		StartDay:    v[4],
		StopDay:     v[5],
	}, nil
}

// Contains reports whether t falls inside both spans of the window.
func (w Window) Contains(t time.Time) bool {
	minute := t.Hour()*60 + t.Minute()
	return within(minute, w.StartMinute, w.StopMinute) &&
		within(Weekday(t), w.StartDay, w.StopDay)
}

// InWindow reports whether now falls inside expr. The always-open window is
// recognised before any parsing.
func InWindow(expr string, now time.Time) (bool, error) {
	if expr == "" || expr == Always {
		return true, nil
	}
	w, err := ParseWindow(expr)
	if err != nil {
		return false, err
	}
	return w.Contains(now), nil
}

// Weekday returns t's day of the week with Monday as 0 and Sunday as 6.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func within(v, start, stop int) bool {
	if start > stop {
		return v >= start || v <= stop
	}
	return v >= start && v <= stop
}
