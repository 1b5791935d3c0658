package progression_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/progression-engine/progression"
)

// =============================================================================
// PERIOD KEY TESTS
// =============================================================================

func TestPeriodKey_AllPeriods(t *testing.T) {
	// GIVEN: A point in time in mid-March 2025
	// WHEN: Computing each period type's key
	// THEN: Keys follow the documented encodings

	at := time.Date(2025, time.March, 12, 15, 0, 0, 0, time.UTC)

	assert.Equal(t, "all", progression.PeriodAll.Key(at, time.UTC))
	assert.Equal(t, "2025-W11", progression.PeriodWeek.Key(at, time.UTC))
	assert.Equal(t, "2025-03", progression.PeriodMonth.Key(at, time.UTC))
	assert.Equal(t, "2025", progression.PeriodYear.Key(at, time.UTC))
}

func TestPeriodKey_ISOWeekYearBoundary(t *testing.T) {
	// GIVEN: Monday December 29, 2025
	// WHEN: Computing the week key
	// THEN: The key uses the ISO week-year 2026, not the calendar year

	at := time.Date(2025, time.December, 29, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-W01", progression.PeriodWeek.Key(at, time.UTC))
}

func TestPeriodKey_TenantTimezoneShiftsKey(t *testing.T) {
	// GIVEN: An instant that is March 1 in UTC but still February 28 in New York
	// WHEN: Computing the month key in each timezone
	// THEN: The tenant's timezone decides which month the instant belongs to

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	at := time.Date(2025, time.March, 1, 2, 0, 0, 0, time.UTC)

	assert.Equal(t, "2025-03", progression.PeriodMonth.Key(at, time.UTC))
	assert.Equal(t, "2025-02", progression.PeriodMonth.Key(at, ny))
}

// =============================================================================
// WINDOW TESTS
// =============================================================================

func TestWindowAt_Week_StartsMonday(t *testing.T) {
	// GIVEN: A Wednesday
	// WHEN: Computing the week window
	// THEN: The window runs from Monday 00:00 to the following Monday 00:00

	wednesday := time.Date(2025, time.March, 12, 15, 30, 0, 0, time.UTC)
	w := progression.PeriodWeek.WindowAt(wednesday, time.UTC)

	assert.Equal(t, time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC), w.From)
	assert.Equal(t, time.Date(2025, time.March, 17, 0, 0, 0, 0, time.UTC), w.To)
}

func TestWindowAt_Week_SundayBelongsToSameWeek(t *testing.T) {
	// GIVEN: A Sunday (Go's Weekday starts the week on Sunday)
	// WHEN: Computing the week window
	// THEN: Sunday falls at the end of the Monday-started week, not the start
	// of the next one

	sunday := time.Date(2025, time.March, 16, 10, 0, 0, 0, time.UTC)
	w := progression.PeriodWeek.WindowAt(sunday, time.UTC)

	assert.Equal(t, time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC), w.From)
}

func TestWindowAt_Month_CalendarAligned(t *testing.T) {
	at := time.Date(2025, time.March, 12, 15, 0, 0, 0, time.UTC)
	w := progression.PeriodMonth.WindowAt(at, time.UTC)

	assert.Equal(t, time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC), w.From)
	assert.Equal(t, time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC), w.To)
}

func TestWindowAt_All_UnboundedBelow(t *testing.T) {
	// GIVEN: The all-time period
	// WHEN: Computing its window
	// THEN: Everything at or before the reference point is inside, the future
	// is not

	at := time.Date(2025, time.March, 12, 15, 0, 0, 0, time.UTC)
	w := progression.PeriodAll.WindowAt(at, time.UTC)

	assert.True(t, w.Unbounded())
	assert.True(t, w.Contains(time.Date(1999, time.January, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, w.Contains(at))
	assert.False(t, w.Contains(at.Add(time.Hour)))
}

func TestWindow_Contains_HalfOpen(t *testing.T) {
	// GIVEN: A bounded window
	// WHEN: Checking the boundaries
	// THEN: From is inclusive, To is exclusive

	w := progression.Window{
		From: time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, time.March, 17, 0, 0, 0, 0, time.UTC),
	}

	assert.True(t, w.Contains(w.From))
	assert.False(t, w.Contains(w.To))
	assert.False(t, w.Contains(w.From.Add(-time.Nanosecond)))
	assert.True(t, w.Contains(w.To.Add(-time.Nanosecond)))
}

func TestWindowAt_TenantTimezone_DayBoundary(t *testing.T) {
	// GIVEN: A check-in at 03:00 UTC on March 1, which is Feb 28 22:00 in New York
	// WHEN: Computing the month window for that instant in New York
	// THEN: The window is February's, so the instant is inside it

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	at := time.Date(2025, time.March, 1, 3, 0, 0, 0, time.UTC)
	w := progression.PeriodMonth.WindowAt(at, ny)

	assert.Equal(t, time.Date(2025, time.February, 1, 0, 0, 0, 0, ny), w.From)
	assert.True(t, w.Contains(at))
}
