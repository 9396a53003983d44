package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nimburion/distlock/pkg/distlock"
)

const (
	MisfirePolicySkip     = "skip"
	MisfirePolicyFireOnce = "fire_once"

	maxCronSearchIterations = 5 * 366 * 24 * 60
)

// LockPrefix namespaces the distributed lock that elects a task's leader.
const LockPrefix = "scheduler://"

// MaxTaskNameLength keeps LockName within the lock name limit.
const MaxTaskNameLength = distlock.MaxLockNameLength - len(LockPrefix)

// Task is a scheduled function that runs on exactly one instance at a time.
type Task struct {
	Name          string
	Schedule      string
	Timezone      string
	MisfirePolicy string
	// Timeout bounds a single run. Zero uses Config.RunTimeout.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// LockName returns the lock held by the instance that runs the named task.
func LockName(task string) string {
	return LockPrefix + task
}

func (t *Task) normalize() {
	t.Name = strings.TrimSpace(t.Name)
	t.MisfirePolicy = strings.ToLower(strings.TrimSpace(t.MisfirePolicy))
	if t.MisfirePolicy == "" {
		t.MisfirePolicy = MisfirePolicySkip
	}
}

// Validate verifies required fields and schedule syntax.
func (t *Task) Validate() error {
	if t == nil {
		return schedulerError(ErrValidation, "task is nil")
	}
	t.normalize()

	name := t.Name
	if name == "" {
		return schedulerError(ErrValidation, "task name is required")
	}
	if utf8.RuneCountInString(name) > MaxTaskNameLength {
		return schedulerError(ErrValidation, fmt.Sprintf("task name must be at most %d characters", MaxTaskNameLength))
	}
	if strings.TrimSpace(t.Schedule) == "" {
		return schedulerError(ErrValidation, "task schedule is required")
	}
	if t.Run == nil {
		return schedulerError(ErrValidation, "task run function is required")
	}
	if t.Timeout < 0 {
		return schedulerError(ErrValidation, "task timeout must be >= 0")
	}
	if t.MisfirePolicy != MisfirePolicySkip && t.MisfirePolicy != MisfirePolicyFireOnce {
		return schedulerError(ErrValidation, fmt.Sprintf("invalid task misfire policy %q", t.MisfirePolicy))
	}
	if _, err := t.nextRun(time.Now().UTC()); err != nil {
		return err
	}
	return nil
}

func (t *Task) location() (*time.Location, error) {
	if strings.TrimSpace(t.Timezone) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(strings.TrimSpace(t.Timezone))
	if err != nil {
		return nil, errors.Join(schedulerError(ErrValidation, "invalid task timezone"), err)
	}
	return loc, nil
}

func (t *Task) nextRun(now time.Time) (time.Time, error) {
	loc, err := t.location()
	if err != nil {
		return time.Time{}, err
	}
	return nextRunForSchedule(strings.TrimSpace(t.Schedule), now.In(loc), loc)
}

func nextRunForSchedule(schedule string, now time.Time, loc *time.Location) (time.Time, error) {
	if raw, ok := strings.CutPrefix(schedule, "@every "); ok {
		interval, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return time.Time{}, errors.Join(schedulerError(ErrValidation, "invalid @every duration"), err)
		}
		if interval <= 0 {
			return time.Time{}, schedulerError(ErrValidation, "@every duration must be > 0")
		}
		return now.Add(interval).UTC(), nil
	}

	expr, err := parseCron(schedule)
	if err != nil {
		return time.Time{}, err
	}

	candidate := now.Truncate(time.Minute).Add(time.Minute)
	for range maxCronSearchIterations {
		local := candidate.In(loc)
		if expr.matches(local) {
			return local.UTC(), nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, schedulerError(ErrValidation, fmt.Sprintf("unable to find next run for schedule %q", schedule))
}

// cronSet is a bitmask of allowed values for one cron field; wildcard records a
// literal "*" because day-of-month and day-of-week combine differently when one is unrestricted.
type cronSet struct {
	bits     uint64
	wildcard bool
}

func (s cronSet) has(v int) bool { return s.bits&(1<<uint(v)) != 0 }

type cronExpr struct {
	minute, hour, dom, month, dow cronSet
}

func (e cronExpr) matches(t time.Time) bool {
	if !e.minute.has(t.Minute()) || !e.hour.has(t.Hour()) || !e.month.has(int(t.Month())) {
		return false
	}
	domOK, dowOK := e.dom.has(t.Day()), e.dow.has(int(t.Weekday()))
	switch {
	case e.dom.wildcard && e.dow.wildcard:
		return true
	case e.dom.wildcard:
		return dowOK
	case e.dow.wildcard:
		return domOK
	default:
		return domOK || dowOK
	}
}

type cronField struct {
	name     string
	min, max int
}

var cronFields = [5]cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

func parseCron(schedule string) (cronExpr, error) {
	fields := strings.Fields(schedule)
	if len(fields) != len(cronFields) {
		return cronExpr{}, schedulerError(ErrValidation, fmt.Sprintf("unsupported schedule format %q", schedule))
	}

	var sets [5]cronSet
	for i, def := range cronFields {
		set, err := parseCronSet(fields[i], def)
		if err != nil {
			return cronExpr{}, errors.Join(
				schedulerError(ErrValidation, fmt.Sprintf("invalid %s field %q", def.name, fields[i])), err)
		}
		sets[i] = set
	}
	// 7 is an alias for Sunday.
	if sets[4].has(7) {
		sets[4].bits = sets[4].bits&^(1<<7) | 1
	}
	return cronExpr{minute: sets[0], hour: sets[1], dom: sets[2], month: sets[3], dow: sets[4]}, nil
}

// parseCronSet accepts comma-separated items of the form "*", "N", "A-B", each with an optional "/step".
func parseCronSet(raw string, def cronField) (cronSet, error) {
	raw = strings.TrimSpace(raw)
	if raw == "*" {
		return cronSet{bits: rangeBits(def.min, def.max, 1), wildcard: true}, nil
	}

	var set cronSet
	for item := range strings.SplitSeq(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			return cronSet{}, schedulerError(ErrValidation, "empty segment")
		}

		base, stepRaw, hasStep := strings.Cut(item, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(strings.TrimSpace(stepRaw))
			if err != nil || n <= 0 {
				return cronSet{}, schedulerError(ErrValidation, fmt.Sprintf("invalid step value %q", stepRaw))
			}
			step = n
		}

		lo, hi := def.min, def.max
		switch base = strings.TrimSpace(base); {
		case base == "*" || base == "":
		case strings.Contains(base, "-"):
			from, to, _ := strings.Cut(base, "-")
			var err error
			if lo, err = strconv.Atoi(strings.TrimSpace(from)); err != nil {
				return cronSet{}, schedulerError(ErrValidation, fmt.Sprintf("invalid range start %q", from))
			}
			if hi, err = strconv.Atoi(strings.TrimSpace(to)); err != nil {
				return cronSet{}, schedulerError(ErrValidation, fmt.Sprintf("invalid range end %q", to))
			}
		default:
			n, err := strconv.Atoi(base)
			if err != nil {
				return cronSet{}, schedulerError(ErrValidation, fmt.Sprintf("invalid value %q", base))
			}
			lo, hi = n, n
			if hasStep {
				hi = def.max
			}
		}

		if lo < def.min || hi > def.max {
			return cronSet{}, schedulerError(ErrValidation, fmt.Sprintf("range %d-%d outside [%d,%d]", lo, hi, def.min, def.max))
		}
		if hi < lo {
			return cronSet{}, schedulerError(ErrValidation, fmt.Sprintf("invalid range %d-%d", lo, hi))
		}
		set.bits |= rangeBits(lo, hi, step)
	}
	return set, nil
}

func rangeBits(lo, hi, step int) uint64 {
	var bits uint64
	for v := lo; v <= hi; v += step {
		bits |= 1 << uint(v)
	}
	return bits
}
