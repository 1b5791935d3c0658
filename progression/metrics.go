/*
metrics.go - Metric evaluation over time-windowed user activity

PURPOSE:
  Computes a user's current value for a named activity metric over the
  calendar window of a period. Evaluation is a pure read: it never mutates
  state and is safe to call speculatively (progress bars call it directly).

DATA SOURCES:
  Task and check-in records are externally owned; the evaluator reaches them
  through the read-only ActivitySource interface. The gems_earned metric
  aggregates the engine's own ledger. Source failures are wrapped in
  MetricSourceError so callers can classify them as transient.

TRIGGER RELEVANCE:
  TriggersForEvent maps each activity event type to the trigger types it can
  move. The achievement engine only re-evaluates matching definitions, which
  bounds the work per event.
*/
package progression

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACTIVITY SOURCE - Read-only view over externally-owned activity data
// =============================================================================

// ActivitySource aggregates task and check-in records. Implementations must
// be pure reads; they hold no locks and leave no side effects.
type ActivitySource interface {
	// CompletedTaskCount counts completed tasks in the window.
	CompletedTaskCount(ctx context.Context, tenant TenantID, user UserID, w Window) (int64, error)

	// UrgentTaskCount counts completed tasks flagged urgent in the window.
	UrgentTaskCount(ctx context.Context, tenant TenantID, user UserID, w Window) (int64, error)

	// CheckinCount counts daily check-in records in the window.
	CheckinCount(ctx context.Context, tenant TenantID, user UserID, w Window) (int64, error)

	// AverageEnergy returns the mean check-in energy in the window.
	// ok is false when the window holds no check-ins.
	AverageEnergy(ctx context.Context, tenant TenantID, user UserID, w Window) (avg decimal.Decimal, ok bool, err error)

	// CheckinDays returns the distinct calendar days (in loc) with at least
	// one check-in at or before asOf, most recent first. Implementations may
	// bound the result; anything beyond the first gap is irrelevant to the
	// streak metric.
	CheckinDays(ctx context.Context, tenant TenantID, user UserID, asOf time.Time, loc *time.Location) ([]time.Time, error)
}

// =============================================================================
// EVENT -> TRIGGER RELEVANCE
// =============================================================================

var triggersByEvent = map[EventType][]TriggerType{
	EventTaskCompleted:       {TriggerTasksCompleted, TriggerUrgentTasks},
	EventCheckinCompleted:    {TriggerCheckinsCompleted, TriggerStreak, TriggerAvgEnergy},
	EventOnboardingCompleted: {TriggerGemsEarned},
	EventGemsAwarded:         {TriggerGemsEarned},
}

// TriggersForEvent returns the trigger types an event type can affect.
// Unknown event types affect nothing. TriggerCustom never appears here; it is
// driven exclusively through EvaluateCustom.
func TriggersForEvent(event EventType) []TriggerType {
	return triggersByEvent[event]
}

// =============================================================================
// EVALUATION
// =============================================================================

// Evaluate computes the user's current value for the trigger metric over the
// period window containing asOf, in the tenant's timezone.
func (s *Scope) Evaluate(ctx context.Context, user UserID, trigger TriggerType, period PeriodType, asOf time.Time) (decimal.Decimal, error) {
	w := period.WindowAt(asOf, s.loc)
	src := s.engine.source

	switch trigger {
	case TriggerTasksCompleted:
		n, err := src.CompletedTaskCount(ctx, s.tenant.ID, user, w)
		return wrapCount(trigger, n, err)

	case TriggerUrgentTasks:
		n, err := src.UrgentTaskCount(ctx, s.tenant.ID, user, w)
		return wrapCount(trigger, n, err)

	case TriggerCheckinsCompleted:
		n, err := src.CheckinCount(ctx, s.tenant.ID, user, w)
		return wrapCount(trigger, n, err)

	case TriggerAvgEnergy:
		avg, ok, err := src.AverageEnergy(ctx, s.tenant.ID, user, w)
		if err != nil {
			return decimal.Zero, &MetricSourceError{Trigger: trigger, Cause: err}
		}
		if !ok {
			// Undefined mean over an empty window evaluates to zero, so an
			// avg_energy achievement never unlocks on no data.
			return decimal.Zero, nil
		}
		return avg, nil

	case TriggerStreak:
		days, err := src.CheckinDays(ctx, s.tenant.ID, user, asOf, s.loc)
		if err != nil {
			return decimal.Zero, &MetricSourceError{Trigger: trigger, Cause: err}
		}
		return decimal.NewFromInt(CurrentStreak(days, asOf, s.loc)), nil

	case TriggerGemsEarned:
		n, err := s.engine.store.SumPositiveDeltas(ctx, s.tenant.ID, user, w)
		return wrapCount(trigger, n, err)

	default:
		// TriggerCustom and anything unknown: the engine has no metric for it.
		return decimal.Zero, &MetricSourceError{Trigger: trigger, Cause: errNoMetric}
	}
}

var errNoMetric = errNoMetricType{}

type errNoMetricType struct{}

func (errNoMetricType) Error() string { return "no internal metric for trigger type" }

func wrapCount(trigger TriggerType, n int64, err error) (decimal.Decimal, error) {
	if err != nil {
		return decimal.Zero, &MetricSourceError{Trigger: trigger, Cause: err}
	}
	return decimal.NewFromInt(n), nil
}

// =============================================================================
// STREAK - Longest run of consecutive check-in days ending at asOf
// =============================================================================

// CurrentStreak counts consecutive calendar days with a check-in, walking
// back from asOf's day. A check-in on asOf's day anchors the run there; with
// none yet today, a run ending yesterday still counts (the streak is not
// broken until a full day passes without a check-in). Any gap day ends the
// run.
func CurrentStreak(days []time.Time, asOf time.Time, loc *time.Location) int64 {
	if len(days) == 0 {
		return 0
	}

	seen := make(map[string]bool, len(days))
	for _, d := range days {
		seen[d.In(loc).Format("2006-01-02")] = true
	}

	cursor := asOf.In(loc)
	today := cursor.Format("2006-01-02")
	if !seen[today] {
		// Allow the run to end yesterday.
		cursor = cursor.AddDate(0, 0, -1)
		if !seen[cursor.Format("2006-01-02")] {
			return 0
		}
	}

	var streak int64
	for seen[cursor.Format("2006-01-02")] {
		streak++
		cursor = cursor.AddDate(0, 0, -1)
	}
	return streak
}
