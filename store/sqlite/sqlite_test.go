package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/progression-engine/progression"
	"github.com/warp/progression-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, time.March, 12, 15, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.CreateTenant(ctx, progression.Tenant{
		ID: "acme", Name: "Acme", Timezone: "UTC", CreatedAt: testNow,
	}))
	require.NoError(t, store.CreateUser(ctx, progression.User{
		ID: "u1", TenantID: "acme", Name: "Alice", CreatedAt: testNow,
	}))
	return store
}

func entry(id, sourceID string, delta int64) progression.LedgerEntry {
	return progression.LedgerEntry{
		ID:         progression.EntryID(id),
		TenantID:   "acme",
		UserID:     "u1",
		Delta:      delta,
		SourceType: progression.SourceAdmin,
		SourceID:   sourceID,
		CreatedAt:  testNow,
	}
}

// =============================================================================
// LEDGER TESTS
// =============================================================================

func TestApplyEntry_IdempotenceKeyConflict(t *testing.T) {
	// GIVEN: An applied entry keyed (admin, grant-1)
	// WHEN: Applying another entry with the same key but a different row ID
	// THEN: ErrAlreadyApplied; balance reflects only the first entry

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ApplyEntry(ctx, entry("e1", "grant-1", 50)))

	err := store.ApplyEntry(ctx, entry("e2", "grant-1", 50))
	assert.ErrorIs(t, err, progression.ErrAlreadyApplied)

	balance, err := store.Balance(ctx, "acme", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)
}

func TestApplyEntry_DebitGuard_RollsBackEntry(t *testing.T) {
	// GIVEN: A balance of 30
	// WHEN: Applying a -50 entry
	// THEN: The guard rejects it and the ledger holds no trace of the attempt

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ApplyEntry(ctx, entry("e1", "grant-1", 30)))

	err := store.ApplyEntry(ctx, entry("e2", "take-1", -50))
	assert.ErrorIs(t, err, progression.ErrInsufficientBalance)

	entries, err := store.Entries(ctx, "acme", "u1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	balance, err := store.Balance(ctx, "acme", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)
}

func TestApplyEntry_UnknownUser(t *testing.T) {
	store := newTestStore(t)

	e := entry("e1", "grant-1", 50)
	e.UserID = "ghost"
	err := store.ApplyEntry(context.Background(), e)
	assert.ErrorIs(t, err, progression.ErrUserNotFound)
}

func TestSumPositiveDeltas_CreditsOnlyWithinWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := entry("e1", "g1", 100)
	old.CreatedAt = testNow.AddDate(0, -2, 0)
	require.NoError(t, store.ApplyEntry(ctx, old))
	require.NoError(t, store.ApplyEntry(ctx, entry("e2", "g2", 40)))
	require.NoError(t, store.ApplyEntry(ctx, entry("e3", "d1", -30)))

	w := progression.PeriodMonth.WindowAt(testNow, time.UTC)
	sum, err := store.SumPositiveDeltas(ctx, "acme", "u1", w)
	require.NoError(t, err)
	assert.Equal(t, int64(40), sum, "old credit and the debit are excluded")

	sum, err = store.SumPositiveDeltas(ctx, "acme", "u1", progression.PeriodAll.WindowAt(testNow, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(140), sum)
}

func TestBalance_ConcurrentCredits_MatchSum(t *testing.T) {
	// GIVEN: 20 goroutines each crediting 5 gems under distinct keys
	// WHEN: All complete
	// THEN: The materialized balance equals the recomputed ledger sum

	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := entry(fmt.Sprintf("e%d", i), fmt.Sprintf("grant-%d", i), 5)
			assert.NoError(t, store.ApplyEntry(ctx, e))
		}(i)
	}
	wg.Wait()

	balance, err := store.Balance(ctx, "acme", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	entries, err := store.Entries(ctx, "acme", "u1")
	require.NoError(t, err)
	var sum int64
	for _, e := range entries {
		sum += e.Delta
	}
	assert.Equal(t, sum, balance)
}

// =============================================================================
// TRANSACTION TESTS
// =============================================================================

func TestWithTx_RollbackDiscardsAllWrites(t *testing.T) {
	// GIVEN: A transaction that credits and then fails
	// WHEN: WithTx returns the error
	// THEN: Neither the entry nor the balance change survives

	store := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx progression.Store) error {
		if err := tx.ApplyEntry(ctx, entry("e1", "grant-1", 50)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	balance, err := store.Balance(ctx, "acme", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	entries, err := store.Entries(ctx, "acme", "u1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWithTx_SentinelErrorsPropagateUnwrapped(t *testing.T) {
	store := newTestStore(t)

	err := store.WithTx(context.Background(), func(progression.Store) error {
		return progression.ErrOutOfStock
	})
	assert.ErrorIs(t, err, progression.ErrOutOfStock)
}

// =============================================================================
// UNLOCK TESTS
// =============================================================================

func TestInsertUnlock_DuplicatePeriodKey_ReturnsFalse(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	u := progression.AchievementUnlock{
		ID: "ul1", TenantID: "acme", UserID: "u1",
		AchievementID: "first-task", PeriodKey: "2025-W11", UnlockedAt: testNow,
	}
	created, err := store.InsertUnlock(ctx, u)
	require.NoError(t, err)
	assert.True(t, created)

	u.ID = "ul2"
	created, err = store.InsertUnlock(ctx, u)
	require.NoError(t, err)
	assert.False(t, created, "duplicate period key must be a silent no-op")

	// A different period key is a fresh unlock.
	u.ID = "ul3"
	u.PeriodKey = "2025-W12"
	created, err = store.InsertUnlock(ctx, u)
	require.NoError(t, err)
	assert.True(t, created)

	unlocks, err := store.UnlocksForUser(ctx, "acme", "u1")
	require.NoError(t, err)
	assert.Len(t, unlocks, 2)
}

func TestActiveDefinitionsByTrigger_FiltersTriggerAndActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mkDef := func(id string, trigger progression.TriggerType, active bool) progression.AchievementDefinition {
		return progression.AchievementDefinition{
			ID: progression.AchievementID(id), TenantID: "acme", Name: id,
			TriggerType: trigger, Period: progression.PeriodAll,
			Points: 10, Active: active, CreatedAt: testNow, UpdatedAt: testNow,
		}
	}
	require.NoError(t, store.CreateDefinition(ctx, mkDef("a", progression.TriggerTasksCompleted, true)))
	require.NoError(t, store.CreateDefinition(ctx, mkDef("b", progression.TriggerTasksCompleted, false)))
	require.NoError(t, store.CreateDefinition(ctx, mkDef("c", progression.TriggerStreak, true)))

	defs, err := store.ActiveDefinitionsByTrigger(ctx, "acme",
		[]progression.TriggerType{progression.TriggerTasksCompleted, progression.TriggerUrgentTasks})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, progression.AchievementID("a"), defs[0].ID)
}

// =============================================================================
// STOCK COUNTER TESTS
// =============================================================================

func TestClaimRewardStock_GuardedAtLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateReward(ctx, progression.Reward{
		ID: "r1", TenantID: "acme", Title: "R1", Cost: 10,
		StockLimit: 2, IsAvailable: true, CreatedAt: testNow, UpdatedAt: testNow,
	}))

	require.NoError(t, store.ClaimRewardStock(ctx, "acme", "r1"))
	require.NoError(t, store.ClaimRewardStock(ctx, "acme", "r1"))
	assert.ErrorIs(t, store.ClaimRewardStock(ctx, "acme", "r1"), progression.ErrOutOfStock)

	r, err := store.GetReward(ctx, "acme", "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.ClaimedCount, "counter never exceeds the limit")
}

func TestClaimRewardStock_UnlimitedNeverBlocks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateReward(ctx, progression.Reward{
		ID: "r1", TenantID: "acme", Title: "R1", Cost: 10,
		StockLimit: progression.UnlimitedStock, IsAvailable: true,
		CreatedAt: testNow, UpdatedAt: testNow,
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, store.ClaimRewardStock(ctx, "acme", "r1"))
	}
}

func TestReleaseRewardStock_FloorsAtZero(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateReward(ctx, progression.Reward{
		ID: "r1", TenantID: "acme", Title: "R1", Cost: 10,
		StockLimit: 2, IsAvailable: true, CreatedAt: testNow, UpdatedAt: testNow,
	}))

	require.NoError(t, store.ReleaseRewardStock(ctx, "acme", "r1"))

	r, err := store.GetReward(ctx, "acme", "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.ClaimedCount)
}

func TestSetRedemptionStatus_WrongCurrentState_Rejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertRedemption(ctx, progression.RewardRedemption{
		ID: "red1", TenantID: "acme", UserID: "u1", RewardID: "r1",
		GemsSpent: 10, Status: progression.RedemptionCancelled, ClaimedAt: testNow,
	}))

	err := store.SetRedemptionStatus(ctx, "red1",
		progression.RedemptionPending, progression.RedemptionDelivered, testNow)
	assert.ErrorIs(t, err, progression.ErrRedemptionNotCancellable)

	err = store.SetRedemptionStatus(ctx, "ghost",
		progression.RedemptionPending, progression.RedemptionDelivered, testNow)
	assert.ErrorIs(t, err, progression.ErrRedemptionNotFound)
}

// =============================================================================
// TENANT SCOPING
// =============================================================================

func TestTenantScoping_RowsInvisibleAcrossTenants(t *testing.T) {
	// GIVEN: Data under tenant acme and a second tenant rival
	// WHEN: Querying with rival's tenant ID
	// THEN: Nothing from acme is reachable

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTenant(ctx, progression.Tenant{
		ID: "rival", Name: "Rival", CreatedAt: testNow,
	}))
	require.NoError(t, store.ApplyEntry(ctx, entry("e1", "g1", 50)))

	_, err := store.GetUser(ctx, "rival", "u1")
	assert.ErrorIs(t, err, progression.ErrUserNotFound)

	entries, err := store.Entries(ctx, "rival", "u1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetTenant_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetTenant(context.Background(), "ghost")
	assert.ErrorIs(t, err, progression.ErrTenantNotFound)
}

// =============================================================================
// ACTIVITY SOURCE TESTS
// =============================================================================

func TestActivitySource_TaskCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SeedTask(ctx, "t1", "acme", "u1", true, true, testNow))
	require.NoError(t, store.SeedTask(ctx, "t2", "acme", "u1", true, false, testNow))
	require.NoError(t, store.SeedTask(ctx, "t3", "acme", "u1", false, false, testNow))

	w := progression.PeriodAll.WindowAt(testNow, time.UTC)

	n, err := store.CompletedTaskCount(ctx, "acme", "u1", w)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "incomplete tasks do not count")

	n, err = store.UrgentTaskCount(ctx, "acme", "u1", w)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestActivitySource_CheckinDays_DistinctPerDay(t *testing.T) {
	// GIVEN: Two check-ins on the same day and one the day before
	// WHEN: Listing check-in days
	// THEN: Two distinct days, most recent first

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SeedCheckin(ctx, "c1", "acme", "u1", 7, testNow))
	require.NoError(t, store.SeedCheckin(ctx, "c2", "acme", "u1", 8, testNow.Add(-2*time.Hour)))
	require.NoError(t, store.SeedCheckin(ctx, "c3", "acme", "u1", 6, testNow.AddDate(0, 0, -1)))

	days, err := store.CheckinDays(ctx, "acme", "u1", testNow, time.UTC)
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.True(t, days[0].After(days[1]))
}

func TestActivitySource_AverageEnergy_EmptyWindowNotOK(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	w := progression.PeriodWeek.WindowAt(testNow, time.UTC)
	_, ok, err := store.AverageEnergy(ctx, "acme", "u1", w)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SeedCheckin(ctx, "c1", "acme", "u1", 6, testNow))
	require.NoError(t, store.SeedCheckin(ctx, "c2", "acme", "u1", 9, testNow.Add(-time.Hour)))

	avg, ok, err := store.AverageEnergy(ctx, "acme", "u1", w)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, avg.Equal(decimal.NewFromFloat(7.5)), "got %s", avg)
}
