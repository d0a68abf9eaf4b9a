package scheduler

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/roundhouse/internal/models"
)

// ErrInvalidSchedule is returned for an unparseable schedule value or an
// unknown schedule type.
var ErrInvalidSchedule = errors.New("scheduler: invalid schedule")

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// onceLayouts are the accepted forms of a one-shot timestamp. Values without
// a zone are read in the scheduling timezone.
var onceLayouts = []string{
	time.RFC3339Nano,
	models.TimeLayout,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// FirstRun validates a schedule and computes when it should first fire.
func FirstRun(scheduleType, value string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	value = strings.TrimSpace(value)
	switch scheduleType {
	case models.ScheduleOnce:
		return parseOnce(value, loc)
	case models.ScheduleCron:
		sched, err := cronParser.Parse(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, value, err)
		}
		return sched.Next(now.In(loc)).UTC(), nil
	case models.ScheduleInterval:
		d, err := parseInterval(value)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, scheduleType)
	}
}

// NextRun computes the occurrence after a task has fired. It returns nil
// for one-shot tasks, which are then complete.
func NextRun(task models.ScheduledTask, now time.Time, loc *time.Location) (*time.Time, error) {
	if task.ScheduleType == models.ScheduleOnce {
		return nil, nil
	}
	next, err := FirstRun(task.ScheduleType, task.ScheduleValue, now, loc)
	if err != nil {
		return nil, err
	}
	return &next, nil
}

func parseOnce(value string, loc *time.Location) (time.Time, error) {
	for _, layout := range onceLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrInvalidSchedule, value)
}

func parseInterval(value string) (time.Duration, error) {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("%w: interval %q must be a positive number of milliseconds", ErrInvalidSchedule, value)
	}
	if ms > math.MaxInt64/int64(time.Millisecond) {
		return 0, fmt.Errorf("%w: interval %q is too large", ErrInvalidSchedule, value)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
