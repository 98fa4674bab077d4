package workflow

import (
	"time"

	"chatdesk-core/internal/condition"
	"chatdesk-core/internal/errs"

	"github.com/robfig/cron/v3"
)

// DelaySpec describes when a delay node fires. It normalizes to an absolute
// fireAt timestamp at schedule time; the engine never sleeps.
//
// Fixed and Conditional durations are capped at 24h. Specs over the cap are
// rejected at validation, not clamped.
type DelaySpec struct {
	Kind DelayKind `json:"kind"`

	// Fixed / Conditional
	Duration int       `json:"duration,omitempty"`
	Unit     DelayUnit `json:"unit,omitempty"`

	// Dynamic: a snapshot field holding the delay in minutes.
	Expression string `json:"expression,omitempty"`

	// Scheduled: exactly one of CronExpr or ISODatetime.
	CronExpr    string `json:"cron_expr,omitempty"`
	ISODatetime string `json:"iso_datetime,omitempty"`

	// Conditional: the delay applies only when the condition holds at
	// schedule time; otherwise the node fires immediately.
	Condition *condition.Set `json:"condition,omitempty"`
}

type DelayKind string

const (
	DelayFixed       DelayKind = "fixed"
	DelayDynamic     DelayKind = "dynamic"
	DelayScheduled   DelayKind = "scheduled"
	DelayConditional DelayKind = "conditional"
)

type DelayUnit string

const (
	UnitSeconds DelayUnit = "seconds"
	UnitMinutes DelayUnit = "minutes"
	UnitHours   DelayUnit = "hours"
)

const maxDelay = 24 * time.Hour

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func (s DelaySpec) Validate() error {
	switch s.Kind {
	case DelayFixed:
		d, err := s.fixedDuration()
		if err != nil {
			return err
		}
		if d > maxDelay {
			return errs.Validationf("delay: %v exceeds the %v cap", d, maxDelay)
		}
	case DelayDynamic:
		if s.Expression == "" {
			return errs.Validation("delay: dynamic spec requires an expression")
		}
	case DelayScheduled:
		if (s.CronExpr == "") == (s.ISODatetime == "") {
			return errs.Validation("delay: scheduled spec requires exactly one of cron_expr or iso_datetime")
		}
		if s.CronExpr != "" {
			if _, err := cronParser.Parse(s.CronExpr); err != nil {
				return errs.E(errs.KindValidation, "delay: invalid cron expression", err)
			}
		}
		if s.ISODatetime != "" {
			if _, err := time.Parse(time.RFC3339, s.ISODatetime); err != nil {
				return errs.E(errs.KindValidation, "delay: invalid ISO datetime", err)
			}
		}
	case DelayConditional:
		if s.Condition == nil {
			return errs.Validation("delay: conditional spec requires a condition")
		}
		if err := s.Condition.Validate(); err != nil {
			return errs.E(errs.KindValidation, "delay: conditional spec", err)
		}
		d, err := s.fixedDuration()
		if err != nil {
			return err
		}
		if d > maxDelay {
			return errs.Validationf("delay: %v exceeds the %v cap", d, maxDelay)
		}
	default:
		return errs.Validationf("delay: unknown kind %q", s.Kind)
	}
	return nil
}

func (s DelaySpec) fixedDuration() (time.Duration, error) {
	if s.Duration <= 0 {
		return 0, errs.Validation("delay: duration must be positive")
	}
	switch s.Unit {
	case UnitSeconds:
		return time.Duration(s.Duration) * time.Second, nil
	case UnitMinutes:
		return time.Duration(s.Duration) * time.Minute, nil
	case UnitHours:
		return time.Duration(s.Duration) * time.Hour, nil
	}
	return 0, errs.Validationf("delay: unknown unit %q", s.Unit)
}

// Resolve normalizes a delay into an absolute fire time.
// The evaluator is needed for conditional delays; snapshot for dynamic ones.
func (s DelaySpec) Resolve(now time.Time, snapshot map[string]any, eval *condition.Evaluator) (time.Time, error) {
	switch s.Kind {
	case DelayFixed:
		d, err := s.fixedDuration()
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d), nil

	case DelayDynamic:
		minutes, ok := snapshotNumber(snapshot, s.Expression)
		if !ok || minutes < 0 {
			return time.Time{}, errs.Validationf("delay: expression %q did not resolve to a non-negative number", s.Expression)
		}
		return now.Add(time.Duration(minutes * float64(time.Minute))), nil

	case DelayScheduled:
		if s.CronExpr != "" {
			sched, err := cronParser.Parse(s.CronExpr)
			if err != nil {
				return time.Time{}, errs.E(errs.KindValidation, "delay: invalid cron expression", err)
			}
			return sched.Next(now), nil
		}
		at, err := time.Parse(time.RFC3339, s.ISODatetime)
		if err != nil {
			return time.Time{}, errs.E(errs.KindValidation, "delay: invalid ISO datetime", err)
		}
		// Past datetimes fire on the next sweep rather than erroring; the
		// operator intent was "at that time or as soon as possible after".
		return at, nil

	case DelayConditional:
		hold, err := eval.Evaluate(*s.Condition, snapshot)
		if err != nil {
			return time.Time{}, err
		}
		if !hold {
			return now, nil
		}
		d, err := s.fixedDuration()
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d), nil
	}
	return time.Time{}, errs.Validationf("delay: unknown kind %q", s.Kind)
}

func snapshotNumber(snapshot map[string]any, field string) (float64, bool) {
	v, ok := snapshot[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
