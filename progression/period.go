/*
period.go - Period keys and calendar windows

PURPOSE:
  Achievements recur per period. Each period type maps a point in time to a
  discrete period key (the re-unlock boundary) and to a calendar window (the
  metric aggregation range). Both are computed in the tenant's timezone.

PERIOD KEYS:
  all   -> "all"        (constant: unlock is terminal)
  week  -> "2025-W07"   (ISO-8601 week; year is the ISO week-year)
  month -> "2025-02"
  year  -> "2025"

  The key is part of both the unlock uniqueness constraint and the ledger
  credit's idempotence key, so a weekly achievement is credited at most once
  per ISO week and an all-time achievement at most once ever.

WINDOWS:
  all            -> unbounded (zero from-time)
  week/month/year -> the calendar period containing the reference time, in
                     the tenant's timezone. Not rolling last-N-days windows:
                     re-unlock eligibility needs a discrete window identity,
                     which rolling windows cannot provide.
*/
package progression

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD TYPE
// =============================================================================

// PeriodType is the recurrence window governing re-unlock eligibility.
type PeriodType string

const (
	PeriodAll   PeriodType = "all"
	PeriodWeek  PeriodType = "week"
	PeriodMonth PeriodType = "month"
	PeriodYear  PeriodType = "year"
)

// PeriodTypes lists every valid period type, for validation.
var PeriodTypes = []PeriodType{PeriodAll, PeriodWeek, PeriodMonth, PeriodYear}

// Valid reports whether p is a known period type.
func (p PeriodType) Valid() bool {
	for _, known := range PeriodTypes {
		if p == known {
			return true
		}
	}
	return false
}

// =============================================================================
// PERIOD KEY
// =============================================================================

// AllPeriodKey is the constant key for non-recurring achievements.
const AllPeriodKey = "all"

// Key returns the period key containing at, evaluated in loc.
func (p PeriodType) Key(at time.Time, loc *time.Location) string {
	local := at.In(loc)
	switch p {
	case PeriodWeek:
		year, week := local.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case PeriodMonth:
		return local.Format("2006-01")
	case PeriodYear:
		return local.Format("2006")
	default:
		return AllPeriodKey
	}
}

// =============================================================================
// WINDOW - Metric aggregation range
// =============================================================================

// Window is a half-open time range [From, To). Unbounded when From is zero.
type Window struct {
	From time.Time
	To   time.Time
}

// Unbounded reports whether the window has no lower bound.
func (w Window) Unbounded() bool {
	return w.From.IsZero()
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.Unbounded() && t.Before(w.From) {
		return false
	}
	return t.Before(w.To)
}

// WindowAt returns the calendar window containing at, evaluated in loc.
// The window's To bound is the start of the next period so the comparison is
// a plain half-open range check in any timezone.
func (p PeriodType) WindowAt(at time.Time, loc *time.Location) Window {
	local := at.In(loc)
	switch p {
	case PeriodWeek:
		// Roll back to Monday 00:00 local time.
		daysSinceMonday := (int(local.Weekday()) + 6) % 7
		start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		start = start.AddDate(0, 0, -daysSinceMonday)
		return Window{From: start, To: start.AddDate(0, 0, 7)}
	case PeriodMonth:
		start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
		return Window{From: start, To: start.AddDate(0, 1, 0)}
	case PeriodYear:
		start := time.Date(local.Year(), time.January, 1, 0, 0, 0, 0, loc)
		return Window{From: start, To: start.AddDate(1, 0, 0)}
	default:
		// Unbounded below; bounded above by "just after at" so speculative
		// evaluation at a historical as-of stays reproducible.
		return Window{To: at.Add(time.Nanosecond)}
	}
}
