package scheduler

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // reminder timezones must resolve in minimal images

	"github.com/robfig/cron/v3"
)

// Interval keywords step a reminder's own wall-clock time; anything else is a
// standard five-field cron expression or descriptor such as "@hourly".
const (
	RepeatDaily   = "daily"
	RepeatWeekly  = "weekly"
	RepeatMonthly = "monthly"
)

// ValidateRecurrence reports whether rule and tz can schedule future runs.
func ValidateRecurrence(rule, tz string) error {
	if _, err := loadLocation(tz); err != nil {
		return err
	}
	if isKeyword(rule) {
		return nil
	}
	if _, err := parseCron(rule, tz); err != nil {
		return err
	}
	return nil
}

// NextRun returns the first occurrence of rule strictly after 'after'.
// Keyword rules advance from prev, the reminder's previous run time.
func NextRun(rule, tz string, prev, after time.Time) (time.Time, error) {
	loc, err := loadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}

	rule = strings.TrimSpace(rule)
	if isKeyword(rule) {
		next := prev.In(loc)
		for !next.After(after) {
			switch strings.ToLower(rule) {
			case RepeatDaily:
				next = next.AddDate(0, 0, 1)
			case RepeatWeekly:
				next = next.AddDate(0, 0, 7)
			case RepeatMonthly:
				next = next.AddDate(0, 1, 0)
			}
		}
		return next.UTC(), nil
	}

	sched, err := parseCron(rule, tz)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("recurrence %q has no future occurrence", rule)
	}
	return next.UTC(), nil
}

func isKeyword(rule string) bool {
	switch strings.ToLower(strings.TrimSpace(rule)) {
	case RepeatDaily, RepeatWeekly, RepeatMonthly:
		return true
	}
	return false
}

func parseCron(rule, tz string) (cron.Schedule, error) {
	spec := strings.TrimSpace(rule)
	if tz != "" && !strings.HasPrefix(spec, "CRON_TZ=") && !strings.HasPrefix(spec, "TZ=") {
		spec = "CRON_TZ=" + tz + " " + spec
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid recurrence %q: %w", rule, err)
	}
	return sched, nil
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}
