package schedule

import (
	"time"

	"github.com/remflow/remflow/pkg/models"
)

// IsDue reports whether a schedule should execute at nowUTC. All of the
// following must hold: the schedule is active, its next execution time has
// arrived, and the wall clock in the schedule's timezone is inside the
// execution window.
func IsDue(s *models.Schedule, nowUTC time.Time) bool {
	if s == nil || !s.Active {
		return false
	}
	if s.NextExecutionAt == nil || s.NextExecutionAt.After(nowUTC) {
		return false
	}
	return withinWindow(s.WindowStart, s.WindowEnd, s.Timezone, nowUTC)
}

// DueSchedules filters schedules to the ones due at nowUTC
func DueSchedules(schedules []*models.Schedule, nowUTC time.Time) []*models.Schedule {
	var due []*models.Schedule
	for _, s := range schedules {
		if IsDue(s, nowUTC) {
			due = append(due, s)
		}
	}
	return due
}

// withinWindow checks the wall clock against an inclusive window,
// handling windows that cross midnight (22:00-06:00 means 22:00-23:59
// plus 00:00-06:00). An unknown timezone falls back to UTC.
func withinWindow(start, end models.TimeOfDay, tzName string, nowUTC time.Time) bool {
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		loc = time.UTC
	}
	local := nowUTC.In(loc)
	current := local.Hour()*3600 + local.Minute()*60 + local.Second()

	startSec, endSec := start.Seconds(), end.Seconds()
	if startSec <= endSec {
		return current >= startSec && current <= endSec
	}
	return current >= startSec || current <= endSec
}

// NextExecution computes the next run time after nowUTC based on the
// recurrence pattern. One-shot schedules return nil. The wall-clock
// target is the window start in the schedule's timezone; the returned
// instant is UTC.
func NextExecution(s *models.Schedule, nowUTC time.Time) *time.Time {
	if s.Recurrence == models.RecurrenceOnce {
		return nil
	}

	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		loc = time.UTC
	}
	localNow := nowUTC.In(loc)
	next := localNow.AddDate(0, 0, 1)

	switch s.Recurrence {
	case models.RecurrenceWeekdays:
		for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
			next = next.AddDate(0, 0, 1)
		}
	case models.RecurrenceWeekly:
		next = localNow.AddDate(0, 0, 7)
	}

	at := time.Date(next.Year(), next.Month(), next.Day(),
		s.WindowStart.Hour, s.WindowStart.Minute, s.WindowStart.Second, 0, loc).UTC()
	return &at
}
