package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func noopRun(context.Context) error { return nil }

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{name: "every", task: Task{Name: "reconcile-ledger", Schedule: "@every 30s", Run: noopRun}},
		{name: "cron with timezone", task: Task{Name: "nightly", Schedule: "0 2 * * 1-5", Timezone: "Europe/Rome", Run: noopRun}},
		{name: "fire once", task: Task{Name: "nightly", Schedule: "0 2 * * *", MisfirePolicy: "FIRE_ONCE", Run: noopRun}},
		{name: "missing name", task: Task{Schedule: "@every 1s", Run: noopRun}, wantErr: true},
		{name: "name too long", task: Task{Name: strings.Repeat("x", MaxTaskNameLength+1), Schedule: "@every 1s", Run: noopRun}, wantErr: true},
		{name: "missing schedule", task: Task{Name: "t", Run: noopRun}, wantErr: true},
		{name: "missing run", task: Task{Name: "t", Schedule: "@every 1s"}, wantErr: true},
		{name: "negative timeout", task: Task{Name: "t", Schedule: "@every 1s", Timeout: -time.Second, Run: noopRun}, wantErr: true},
		{name: "bad misfire policy", task: Task{Name: "t", Schedule: "@every 1s", MisfirePolicy: "later", Run: noopRun}, wantErr: true},
		{name: "bad timezone", task: Task{Name: "t", Schedule: "@every 1s", Timezone: "Mars/Olympus", Run: noopRun}, wantErr: true},
		{name: "zero every", task: Task{Name: "t", Schedule: "@every 0s", Run: noopRun}, wantErr: true},
		{name: "bad cron", task: Task{Name: "t", Schedule: "61 * * * *", Run: noopRun}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := tt.task
			err := task.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected valid task, got %v", err)
			}
		})
	}
}

func TestLockName(t *testing.T) {
	if got := LockName("nightly"); got != "scheduler://nightly" {
		t.Fatalf("unexpected lock name %q", got)
	}
}

func TestNextRunForSchedule_Every(t *testing.T) {
	now := time.Date(2026, 2, 26, 12, 0, 0, 0, time.UTC)
	next, err := nextRunForSchedule("@every 2s", now, time.UTC)
	if err != nil {
		t.Fatalf("nextRunForSchedule error: %v", err)
	}
	expected := now.Add(2 * time.Second)
	if !next.Equal(expected) {
		t.Fatalf("expected %v, got %v", expected, next)
	}
}

func TestNextRunForSchedule_Cron(t *testing.T) {
	tests := []struct {
		schedule string
		now      time.Time
		want     time.Time
	}{
		{"*/5 * * * *", time.Date(2026, 2, 26, 12, 3, 40, 0, time.UTC), time.Date(2026, 2, 26, 12, 5, 0, 0, time.UTC)},
		{"15 * * * *", time.Date(2026, 2, 26, 12, 35, 0, 0, time.UTC), time.Date(2026, 2, 26, 13, 15, 0, 0, time.UTC)},
		{"0 9 * * 1-5", time.Date(2026, 2, 27, 10, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		{"30 6 1,15 * *", time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC), time.Date(2026, 2, 15, 6, 30, 0, 0, time.UTC)},
		{"0 0 * * 7", time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"10/20 * * * *", time.Date(2026, 2, 26, 12, 31, 0, 0, time.UTC), time.Date(2026, 2, 26, 12, 50, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			next, err := nextRunForSchedule(tt.schedule, tt.now, time.UTC)
			if err != nil {
				t.Fatalf("nextRunForSchedule error: %v", err)
			}
			if !next.Equal(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, next)
			}
		})
	}
}

func TestNextRunForSchedule_Timezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	next, err := nextRunForSchedule("0 9 * * *", now.In(loc), loc)
	if err != nil {
		t.Fatalf("nextRunForSchedule error: %v", err)
	}
	expected := time.Date(2026, 1, 10, 14, 0, 0, 0, time.UTC)
	if !next.Equal(expected) {
		t.Fatalf("expected %v, got %v", expected, next)
	}
}

func TestParseCron_Invalid(t *testing.T) {
	for _, schedule := range []string{"* * * *", "*/0 * * * *", "5-1 * * * *", "a * * * *", "* 24 * * *", "* * 0 * *", "1,,2 * * * *"} {
		if _, err := parseCron(schedule); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrValidation for %q, got %v", schedule, err)
		}
	}
}
