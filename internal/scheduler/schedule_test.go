package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/zulandar/roundhouse/internal/models"
)

func TestFirstRun_Cron(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC)
	got, err := FirstRun(models.ScheduleCron, "0 9 * * *", now, time.UTC)
	if err != nil {
		t.Fatalf("FirstRun: %v", err)
	}
	want := time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("next = %v, want %v", got, want)
	}
}

func TestFirstRun_CronTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) // 08:00 in New York
	got, err := FirstRun(models.ScheduleCron, "0 9 * * *", now, loc)
	if err != nil {
		t.Fatalf("FirstRun: %v", err)
	}
	want := time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("next = %v, want %v", got, want)
	}
}

func TestFirstRun_InvalidCron(t *testing.T) {
	_, err := FirstRun(models.ScheduleCron, "not a cron", time.Now(), time.UTC)
	if !errors.Is(err, ErrInvalidSchedule) {
		t.Errorf("err = %v, want ErrInvalidSchedule", err)
	}
}

func TestFirstRun_Interval(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	got, err := FirstRun(models.ScheduleInterval, "3600000", now, time.UTC)
	if err != nil {
		t.Fatalf("FirstRun: %v", err)
	}
	if !got.Equal(now.Add(time.Hour)) {
		t.Errorf("next = %v, want %v", got, now.Add(time.Hour))
	}
}

func TestFirstRun_InvalidInterval(t *testing.T) {
	for _, v := range []string{"0", "-5", "abc", "", "1.5", "9223372036854775807", "9223372036855"} {
		if _, err := FirstRun(models.ScheduleInterval, v, time.Now(), time.UTC); !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("interval %q: err = %v, want ErrInvalidSchedule", v, err)
		}
	}
}

func TestFirstRun_IntervalLargestAccepted(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	got, err := FirstRun(models.ScheduleInterval, "9223372036854", now, time.UTC)
	if err != nil {
		t.Fatalf("FirstRun: %v", err)
	}
	if !got.After(now) {
		t.Errorf("next = %v, want after %v", got, now)
	}
}

func TestFirstRun_Once(t *testing.T) {
	cases := map[string]time.Time{
		"2025-06-01T00:00:00.000Z":  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		"2025-06-01T02:00:00+02:00": time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		"2025-06-01T09:15:00":       time.Date(2025, 6, 1, 9, 15, 0, 0, time.UTC),
		"2025-06-01 09:15":          time.Date(2025, 6, 1, 9, 15, 0, 0, time.UTC),
	}
	for in, want := range cases {
		got, err := FirstRun(models.ScheduleOnce, in, time.Now(), time.UTC)
		if err != nil {
			t.Errorf("%q: %v", in, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("%q: got %v, want %v", in, got, want)
		}
	}
}

func TestFirstRun_InvalidOnce(t *testing.T) {
	if _, err := FirstRun(models.ScheduleOnce, "tomorrow-ish", time.Now(), time.UTC); !errors.Is(err, ErrInvalidSchedule) {
		t.Errorf("err = %v, want ErrInvalidSchedule", err)
	}
}

func TestFirstRun_UnknownType(t *testing.T) {
	if _, err := FirstRun("weekly", "x", time.Now(), time.UTC); !errors.Is(err, ErrInvalidSchedule) {
		t.Errorf("err = %v, want ErrInvalidSchedule", err)
	}
}

func TestNextRun(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	next, err := NextRun(models.ScheduledTask{ScheduleType: models.ScheduleOnce, ScheduleValue: "2024-06-01T00:00:00Z"}, now, time.UTC)
	if err != nil || next != nil {
		t.Errorf("once: next = %v, err = %v, want nil,nil", next, err)
	}

	next, err = NextRun(models.ScheduledTask{ScheduleType: models.ScheduleInterval, ScheduleValue: "60000"}, now, time.UTC)
	if err != nil || next == nil || !next.Equal(now.Add(time.Minute)) {
		t.Errorf("interval: next = %v, err = %v", next, err)
	}

	next, err = NextRun(models.ScheduledTask{ScheduleType: models.ScheduleCron, ScheduleValue: "*/15 * * * *"}, now, time.UTC)
	if err != nil || next == nil || !next.Equal(now.Add(15*time.Minute)) {
		t.Errorf("cron: next = %v, err = %v", next, err)
	}
}
