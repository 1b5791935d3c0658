package progression_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/progression-engine/activity"
	"github.com/warp/progression-engine/progression"
	"github.com/warp/progression-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// newTestEngine wires the engine over an in-memory SQLite store and an
// in-memory activity source, with the clock pinned to testNow.
func newTestEngine(t *testing.T) (*progression.Engine, *sqlite.Store, *activity.Memory) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	source := activity.NewMemory()
	engine := progression.New(store, source, nil).WithClock(func() time.Time { return testNow })
	return engine, store, source
}

// testNow is a Wednesday. The ISO week containing it is 2025-W11
// (Mon Mar 10 .. Sun Mar 16).
var testNow = time.Date(2025, time.March, 12, 15, 0, 0, 0, time.UTC)

func newTestScope(t *testing.T) (*progression.Scope, *sqlite.Store, *activity.Memory) {
	t.Helper()
	engine, store, source := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTenant(ctx, progression.Tenant{
		ID:        "acme",
		Name:      "Acme",
		Timezone:  "UTC",
		CreatedAt: testNow,
	}))
	require.NoError(t, store.CreateUser(ctx, progression.User{
		ID:        "u1",
		TenantID:  "acme",
		Name:      "Alice",
		CreatedAt: testNow,
	}))

	scope, err := engine.Scope(ctx, "acme")
	require.NoError(t, err)
	return scope, store, source
}

func addUser(t *testing.T, store *sqlite.Store, tenant progression.TenantID, id progression.UserID) {
	t.Helper()
	require.NoError(t, store.CreateUser(context.Background(), progression.User{
		ID:        id,
		TenantID:  tenant,
		Name:      string(id),
		CreatedAt: testNow,
	}))
}

func taskDef(id string, threshold int64, period progression.PeriodType, points int64) progression.AchievementDefinition {
	return progression.AchievementDefinition{
		ID:           progression.AchievementID(id),
		TenantID:     "acme",
		Name:         id,
		TriggerType:  progression.TriggerTasksCompleted,
		TriggerValue: decimal.NewFromInt(threshold),
		Period:       period,
		Points:       points,
		Active:       true,
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	}
}

func taskEvent(user progression.UserID, sourceID string, at time.Time) progression.ActivityEvent {
	return progression.ActivityEvent{
		TenantID:      "acme",
		UserID:        user,
		EventType:     progression.EventTaskCompleted,
		EventSourceID: sourceID,
		OccurredAt:    at,
	}
}
