// Package schedule defines job recurrence rules and the pure next-run
// calculator the scheduler uses to advance jobs after each execution.
package schedule

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sangamhq/jobengine/errors"
)

// Kind discriminates the two supported recurrence styles.
type Kind string

const (
	// KindInterval reruns a job a fixed number of seconds after each run.
	KindInterval Kind = "interval"
	// KindCron reruns a job according to a five-field cron expression,
	// evaluated in an optional IANA timezone.
	KindCron Kind = "cron"
)

var (
	ErrInvalidSchedule       = errors.New("invalid schedule")
	ErrInvalidCronExpression = errors.New("invalid cron expression")
)

// Schedule is the serialized recurrence rule stored on a job definition.
// Exactly one of Seconds or Expression is meaningful depending on Kind.
type Schedule struct {
	Kind       Kind   `json:"kind"`
	Seconds    int64  `json:"seconds,omitempty"`
	Expression string `json:"expression,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
}

// Every builds an interval schedule from a duration, truncated to seconds.
func Every(d time.Duration) Schedule {
	return Schedule{Kind: KindInterval, Seconds: int64(d / time.Second)}
}

// Cron builds a cron schedule. An empty timezone means UTC.
func Cron(expression, timezone string) Schedule {
	return Schedule{Kind: KindCron, Expression: expression, Timezone: timezone}
}

// Validate checks the schedule for structural and semantic errors.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindInterval:
		if s.Seconds < 1 {
			return errors.WithHint(
				errors.Wrapf(ErrInvalidSchedule, "interval must be at least 1 second, got %d", s.Seconds),
				"use a positive number of seconds")
		}
		return nil
	case KindCron:
		if _, err := cron.ParseStandard(s.Expression); err != nil {
			return errors.WithHint(
				errors.Wrapf(ErrInvalidCronExpression, "%q: %v", s.Expression, err),
				"expressions use the standard five fields: minute hour day-of-month month day-of-week")
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return errors.Wrapf(ErrInvalidSchedule, "unknown timezone %q", s.Timezone)
			}
		}
		return nil
	default:
		return errors.Wrapf(ErrInvalidSchedule, "unknown kind %q", s.Kind)
	}
}

// NextRun computes the first run time strictly after now. It is a pure
// function of the schedule and the reference time, so the scheduler can
// recompute it freely without drift.
func NextRun(s Schedule, now time.Time) (time.Time, error) {
	switch s.Kind {
	case KindInterval:
		if s.Seconds < 1 {
			return time.Time{}, errors.Wrapf(ErrInvalidSchedule, "interval must be at least 1 second, got %d", s.Seconds)
		}
		return now.Add(time.Duration(s.Seconds) * time.Second), nil
	case KindCron:
		expr, err := cron.ParseStandard(s.Expression)
		if err != nil {
			return time.Time{}, errors.Wrapf(ErrInvalidCronExpression, "%q: %v", s.Expression, err)
		}
		loc := time.UTC
		if s.Timezone != "" {
			loc, err = time.LoadLocation(s.Timezone)
			if err != nil {
				return time.Time{}, errors.Wrapf(ErrInvalidSchedule, "unknown timezone %q", s.Timezone)
			}
		}
		return expr.Next(now.In(loc)), nil
	default:
		return time.Time{}, errors.Wrapf(ErrInvalidSchedule, "unknown kind %q", s.Kind)
	}
}

// Describe renders the schedule for log lines and API listings.
func (s Schedule) Describe() string {
	switch s.Kind {
	case KindInterval:
		return "every " + (time.Duration(s.Seconds) * time.Second).String()
	case KindCron:
		if s.Timezone != "" {
			return "cron " + s.Expression + " (" + s.Timezone + ")"
		}
		return "cron " + s.Expression
	default:
		return "unknown"
	}
}
