package tasks

import (
	"fmt"
	"math/bits"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// starBit is set by robfig/cron on a field written as "*".
const starBit = 1 << 63

// RunMinuteOfDay returns the hour and minute at which crontab fires, taking
// the earliest listed value of each field. An empty crontab falls back to
// the time of now.
func RunMinuteOfDay(crontab string, now time.Time) (hour, minute int, err error) {
	if strings.TrimSpace(crontab) == "" {
		return now.Hour(), now.Minute(), nil
	}
	sched, err := cron.ParseStandard(crontab)
	if err != nil {
		return 0, 0, fmt.Errorf("tasks: parse crontab %q: %w", crontab, err)
	}
	s, ok := sched.(*cron.SpecSchedule)
	if !ok {
		// Descriptors such as @every have no fixed time of day.
		return now.Hour(), now.Minute(), nil
	}
	return lowestBit(s.Hour), lowestBit(s.Minute), nil
}

func lowestBit(field uint64) int {
	field &^= starBit
	if field == 0 {
		return 0
	}
	return bits.TrailingZeros64(field)
}

// WakeEpoch returns the Unix time at which the RTC should wake the machine.
// The wake lands on now's date when rtcHour:rtcMinute is at or after the
// task's own run time, otherwise on the following day.
func WakeEpoch(crontab string, rtcHour, rtcMinute int, now time.Time) (int64, error) {
	runHour, runMinute, err := RunMinuteOfDay(crontab, now)
	if err != nil {
		return 0, err
	}
	wake := time.Date(now.Year(), now.Month(), now.Day(), rtcHour, rtcMinute, 0, 0, now.Location())
	if rtcHour*60+rtcMinute < runHour*60+runMinute {
		wake = wake.AddDate(0, 0, 1)
	}
	return wake.Unix(), nil
}
