package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule wraps a parsed 5-field cron expression (minute, hour,
// day-of-month, month, day-of-week). Standard cron conventions apply,
// including the OR rule when both day fields are restricted.
type Schedule struct {
	expr  string
	sched cron.Schedule
}

// Parse validates and compiles a 5-field cron expression.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, fmt.Errorf("empty cron expression")
	}
	if strings.HasPrefix(expr, "@") {
		return Schedule{}, fmt.Errorf("descriptor schedules are not supported: %q", expr)
	}
	if n := len(strings.Fields(expr)); n != 5 {
		return Schedule{}, fmt.Errorf("cron expression must have 5 fields, got %d: %q", n, expr)
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return Schedule{expr: expr, sched: sched}, nil
}

// MustParse is a test helper; panics on invalid expressions.
func MustParse(expr string) Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Schedule) String() string { return s.expr }

// Matches reports whether the schedule activates at t's minute.
func (s Schedule) Matches(t time.Time) bool {
	instant := t.Truncate(time.Minute)
	return s.sched.Next(instant.Add(-time.Second)).Equal(instant)
}

// Next returns the first activation strictly after t.
func (s Schedule) Next(t time.Time) time.Time {
	return s.sched.Next(t)
}

// Due is the pure firing decision: it returns the trigger instant to fire
// for "now", if any. An instant is due when the schedule matches now's
// minute and that minute is after the lastFired watermark. At most the
// current instant is ever returned, so a scheduler that was down for
// several matching minutes resumes without a catch-up burst, and
// re-evaluating an already-fired instant yields nothing.
func Due(s Schedule, lastFired, now time.Time) (time.Time, bool) {
	instant := now.Truncate(time.Minute)
	if !s.Matches(instant) {
		return time.Time{}, false
	}
	if !lastFired.IsZero() && !instant.After(lastFired) {
		return time.Time{}, false
	}
	return instant, true
}
