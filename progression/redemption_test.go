package progression_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/progression-engine/progression"
	"github.com/warp/progression-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func addReward(t *testing.T, store *sqlite.Store, id string, cost, stockLimit, maxPerUser int64) {
	t.Helper()
	require.NoError(t, store.CreateReward(context.Background(), progression.Reward{
		ID:               progression.RewardID(id),
		TenantID:         "acme",
		Title:            id,
		Cost:             cost,
		StockLimit:       stockLimit,
		MaxClaimsPerUser: maxPerUser,
		IsAvailable:      true,
		CreatedAt:        testNow,
		UpdatedAt:        testNow,
	}))
}

func fund(t *testing.T, scope *progression.Scope, user progression.UserID, amount int64) {
	t.Helper()
	_, err := scope.Credit(context.Background(), user, amount, progression.SourceAdmin,
		"fund-"+string(user), "test funding")
	require.NoError(t, err)
}

// =============================================================================
// REDEEM TESTS
// =============================================================================

func TestRedeem_DebitsAndRecordsAtomically(t *testing.T) {
	// GIVEN: A user with 200 gems and a 150-gem reward
	// WHEN: Redeeming
	// THEN: Pending redemption, balance 50, claimed_count 1, one debit entry
	//       keyed by the redemption ID

	scope, store, _ := newTestScope(t)
	ctx := context.Background()

	fund(t, scope, "u1", 200)
	addReward(t, store, "coffee", 150, progression.UnlimitedStock, 0)

	redemption, err := scope.Redeem(ctx, "u1", "coffee")
	require.NoError(t, err)
	assert.Equal(t, progression.RedemptionPending, redemption.Status)
	assert.Equal(t, int64(150), redemption.GemsSpent)

	balance, err := scope.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)

	reward, err := store.GetReward(ctx, "acme", "coffee")
	require.NoError(t, err)
	assert.Equal(t, int64(1), reward.ClaimedCount)

	entries, err := scope.Entries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	debit := entries[1]
	assert.Equal(t, progression.SourceReward, debit.SourceType)
	assert.Equal(t, string(redemption.ID), debit.SourceID)
	assert.Equal(t, int64(-150), debit.Delta)
}

func TestRedeem_InsufficientBalance_NothingWritten(t *testing.T) {
	// GIVEN: A user with 100 gems and a 150-gem reward
	// WHEN: Redeeming
	// THEN: Typed rejection; no redemption, no debit, stock untouched

	scope, store, _ := newTestScope(t)
	ctx := context.Background()

	fund(t, scope, "u1", 100)
	addReward(t, store, "coffee", 150, progression.UnlimitedStock, 0)

	_, err := scope.Redeem(ctx, "u1", "coffee")
	assert.ErrorIs(t, err, progression.ErrInsufficientBalance)

	balance, err := scope.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	reward, err := store.GetReward(ctx, "acme", "coffee")
	require.NoError(t, err)
	assert.Equal(t, int64(0), reward.ClaimedCount, "failed redemption must not consume stock")

	redemptions, err := scope.Redemptions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, redemptions)
}

func TestRedeem_OutOfStock(t *testing.T) {
	scope, store, _ := newTestScope(t)
	ctx := context.Background()

	fund(t, scope, "u1", 500)
	addReward(t, store, "hoodie", 100, 1, 0)

	_, err := scope.Redeem(ctx, "u1", "hoodie")
	require.NoError(t, err)

	_, err = scope.Redeem(ctx, "u1", "hoodie")
	assert.ErrorIs(t, err, progression.ErrOutOfStock)

	balance, err := scope.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), balance, "only the first redemption may debit")
}

func TestRedeem_UnavailableReward_Rejected(t *testing.T) {
	scope, store, _ := newTestScope(t)
	ctx := context.Background()

	fund(t, scope, "u1", 500)
	require.NoError(t, store.CreateReward(ctx, progression.Reward{
		ID:          "retired",
		TenantID:    "acme",
		Title:       "Retired Reward",
		Cost:        100,
		StockLimit:  progression.UnlimitedStock,
		IsAvailable: false,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}))

	_, err := scope.Redeem(ctx, "u1", "retired")
	assert.ErrorIs(t, err, progression.ErrRewardUnavailable)
}

func TestRedeem_PerUserClaimLimit(t *testing.T) {
	// GIVEN: A reward limited to one claim per user, plenty of stock
	// WHEN: The same user redeems twice
	// THEN: Second attempt is rejected; another user can still claim

	scope, store, _ := newTestScope(t)
	ctx := context.Background()

	fund(t, scope, "u1", 500)
	addUser(t, store, "acme", "u2")
	fund(t, scope, "u2", 500)
	addReward(t, store, "hoodie", 100, 10, 1)

	_, err := scope.Redeem(ctx, "u1", "hoodie")
	require.NoError(t, err)

	_, err = scope.Redeem(ctx, "u1", "hoodie")
	assert.ErrorIs(t, err, progression.ErrUserClaimLimitReached)

	_, err = scope.Redeem(ctx, "u2", "hoodie")
	assert.NoError(t, err, "limit is per user, not per reward")
}

func TestRedeem_UnknownReward_NotFound(t *testing.T) {
	scope, _, _ := newTestScope(t)
	fund(t, scope, "u1", 100)

	_, err := scope.Redeem(context.Background(), "u1", "ghost")
	assert.ErrorIs(t, err, progression.ErrRewardNotFound)
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestRedeem_ConcurrentLastUnit_ExactlyOneWins(t *testing.T) {
	// GIVEN: A reward with exactly one unit and five funded users
	// WHEN: All five redeem concurrently
	// THEN: Exactly one succeeds, the rest get ErrOutOfStock, and the stock
	//       counter never exceeds the limit

	scope, store, _ := newTestScope(t)
	ctx := context.Background()

	addReward(t, store, "parking", 100, 1, 0)
	users := make([]progression.UserID, 5)
	for i := range users {
		users[i] = progression.UserID(fmt.Sprintf("racer-%d", i))
		addUser(t, store, "acme", users[i])
		fund(t, scope, users[i], 200)
	}

	errs := make([]error, len(users))
	var wg sync.WaitGroup
	for i, user := range users {
		wg.Add(1)
		go func(i int, user progression.UserID) {
			defer wg.Done()
			_, errs[i] = scope.Redeem(ctx, user, "parking")
		}(i, user)
	}
	wg.Wait()

	var wins, outOfStock int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, progression.ErrOutOfStock):
			outOfStock++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 4, outOfStock)

	reward, err := store.GetReward(ctx, "acme", "parking")
	require.NoError(t, err)
	assert.Equal(t, int64(1), reward.ClaimedCount)
}

func TestRedeem_ConcurrentDoubleSpend_OnlyOneDebits(t *testing.T) {
	// GIVEN: A user with 150 gems and a 100-gem reward
	// WHEN: Two redemptions race
	// THEN: One succeeds and one fails on balance; the balance never goes
	//       negative

	scope, store, _ := newTestScope(t)
	ctx := context.Background()

	fund(t, scope, "u1", 150)
	addReward(t, store, "lunch", 100, progression.UnlimitedStock, 0)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = scope.Redeem(ctx, "u1", "lunch")
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, progression.ErrInsufficientBalance)
		}
	}
	assert.Equal(t, 1, wins)

	balance, err := scope.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestCancel_RefundsAndReleasesStock(t *testing.T) {
	// GIVEN: A pending redemption
	// WHEN: Cancelling it (twice, to exercise idempotence)
	// THEN: Status cancelled, stock released, gems refunded exactly once

	scope, store, _ := newTestScope(t)
	ctx := context.Background()

	fund(t, scope, "u1", 200)
	addReward(t, store, "hoodie", 150, 5, 0)

	redemption, err := scope.Redeem(ctx, "u1", "hoodie")
	require.NoError(t, err)

	require.NoError(t, scope.Cancel(ctx, redemption.ID))
	require.NoError(t, scope.Cancel(ctx, redemption.ID), "second cancel is a no-op")

	balance, err := scope.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance, "refund restores the balance exactly once")

	reward, err := store.GetReward(ctx, "acme", "hoodie")
	require.NoError(t, err)
	assert.Equal(t, int64(0), reward.ClaimedCount)

	got, err := store.GetRedemption(ctx, redemption.ID)
	require.NoError(t, err)
	assert.Equal(t, progression.RedemptionCancelled, got.Status)

	// The refund is a compensating entry, not a deletion.
	entries, err := scope.Entries(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, entries, 3, "fund + debit + refund")
}

func TestCancel_DeliveredRedemption_Rejected(t *testing.T) {
	scope, store, _ := newTestScope(t)
	ctx := context.Background()

	fund(t, scope, "u1", 200)
	addReward(t, store, "hoodie", 150, 5, 0)

	redemption, err := scope.Redeem(ctx, "u1", "hoodie")
	require.NoError(t, err)
	require.NoError(t, scope.MarkDelivered(ctx, redemption.ID))

	err = scope.Cancel(ctx, redemption.ID)
	assert.ErrorIs(t, err, progression.ErrRedemptionNotCancellable)
}

func TestMarkDelivered_SetsStatusAndTimestamp(t *testing.T) {
	scope, store, _ := newTestScope(t)
	ctx := context.Background()

	fund(t, scope, "u1", 200)
	addReward(t, store, "hoodie", 150, 5, 0)

	redemption, err := scope.Redeem(ctx, "u1", "hoodie")
	require.NoError(t, err)
	require.NoError(t, scope.MarkDelivered(ctx, redemption.ID))

	got, err := store.GetRedemption(ctx, redemption.ID)
	require.NoError(t, err)
	assert.Equal(t, progression.RedemptionDelivered, got.Status)
	require.NotNil(t, got.DeliveredAt)
}

func TestCancel_CrossTenantRedemption_Blocked(t *testing.T) {
	// GIVEN: A redemption belonging to acme and a scope bound to another tenant
	// WHEN: The other tenant tries to cancel it by ID
	// THEN: Tenant mismatch; nothing changes

	scope, store, source := newTestScope(t)
	ctx := context.Background()

	fund(t, scope, "u1", 200)
	addReward(t, store, "hoodie", 150, 5, 0)
	redemption, err := scope.Redeem(ctx, "u1", "hoodie")
	require.NoError(t, err)

	require.NoError(t, store.CreateTenant(ctx, progression.Tenant{
		ID: "rival", Name: "Rival", CreatedAt: testNow,
	}))
	engine := progression.New(store, source, nil)
	rivalScope, err := engine.Scope(ctx, "rival")
	require.NoError(t, err)

	err = rivalScope.Cancel(ctx, redemption.ID)
	assert.ErrorIs(t, err, progression.ErrTenantMismatch)

	got, err := store.GetRedemption(ctx, redemption.ID)
	require.NoError(t, err)
	assert.Equal(t, progression.RedemptionPending, got.Status)
}
