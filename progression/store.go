/*
store.go - Persistence interfaces for the progression engine

PURPOSE:
  Defines the boundary between engine logic and the database. Implementations
  must enforce the two uniqueness invariants at the storage layer:

    ledger_entries:       UNIQUE (tenant_id, source_type, source_id)
    achievement_unlocks:  UNIQUE (tenant_id, user_id, achievement_id, period_key)

  and must apply balance/stock mutations as atomic guarded updates, never as
  read-then-write in application code.

TENANT SCOPING:
  Every method takes TenantID as a mandatory first argument after ctx. There
  is no ambient-tenant fallback anywhere in this interface; an implementation
  that matched a row from another tenant would simply not find it.

TRANSACTIONS:
  WithTx runs a function against a store view whose writes share one database
  transaction. Redemption composes (load reward -> debit -> increment claim ->
  insert redemption) inside a single WithTx so overselling and double-spend
  are impossible by construction.

IMPLEMENTATIONS:
  - store/sqlite: production store
*/
package progression

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER STORE - Append-only entries plus the materialized balance
// =============================================================================

// LedgerStore persists ledger entries and maintains users.gem_balance in the
// same transaction as each entry.
type LedgerStore interface {
	// ApplyEntry inserts the entry and adjusts the user's balance atomically.
	// Returns ErrAlreadyApplied if the idempotence key exists, and
	// ErrInsufficientBalance (wrapped with context) for a debit that would
	// take the balance negative; in both cases nothing is written.
	ApplyEntry(ctx context.Context, entry LedgerEntry) error

	// Entries returns all entries for the user, oldest first.
	Entries(ctx context.Context, tenant TenantID, user UserID) ([]LedgerEntry, error)

	// SumPositiveDeltas returns the gems earned (credits only) in the window.
	// Feeds the gems_earned trigger metric. Read-only.
	SumPositiveDeltas(ctx context.Context, tenant TenantID, user UserID, w Window) (int64, error)

	// Balance returns the materialized gem balance.
	Balance(ctx context.Context, tenant TenantID, user UserID) (int64, error)
}

// =============================================================================
// ACHIEVEMENT STORE - Definitions (admin config) and unlocks (write-once)
// =============================================================================

type AchievementStore interface {
	CreateDefinition(ctx context.Context, def AchievementDefinition) error
	UpdateDefinition(ctx context.Context, def AchievementDefinition) error
	GetDefinition(ctx context.Context, tenant TenantID, id AchievementID) (*AchievementDefinition, error)
	ListDefinitions(ctx context.Context, tenant TenantID) ([]AchievementDefinition, error)

	// ActiveDefinitionsByTrigger returns active definitions whose trigger type
	// is in triggers. This is what bounds the work per activity event.
	ActiveDefinitionsByTrigger(ctx context.Context, tenant TenantID, triggers []TriggerType) ([]AchievementDefinition, error)

	// InsertUnlock writes the unlock row. Returns (false, nil) when the
	// uniqueness constraint fires: the unlock already exists for this period
	// key and the caller no-ops.
	InsertUnlock(ctx context.Context, unlock AchievementUnlock) (created bool, err error)

	HasUnlock(ctx context.Context, tenant TenantID, user UserID, achievement AchievementID, periodKey string) (bool, error)
	UnlocksForUser(ctx context.Context, tenant TenantID, user UserID) ([]AchievementUnlock, error)
}

// =============================================================================
// REWARD STORE - Catalog plus guarded inventory counter
// =============================================================================

type RewardStore interface {
	CreateReward(ctx context.Context, reward Reward) error
	UpdateReward(ctx context.Context, reward Reward) error
	GetReward(ctx context.Context, tenant TenantID, id RewardID) (*Reward, error)
	ListRewards(ctx context.Context, tenant TenantID) ([]Reward, error)

	// ClaimRewardStock increments claimed_count iff stock remains
	// (stock_limit = -1 means unlimited). Returns ErrOutOfStock when the
	// guard fails. This is the atomic increment-with-constraint-check that
	// prevents overselling.
	ClaimRewardStock(ctx context.Context, tenant TenantID, id RewardID) error

	// ReleaseRewardStock decrements claimed_count (cancellation), never below
	// zero.
	ReleaseRewardStock(ctx context.Context, tenant TenantID, id RewardID) error

	InsertRedemption(ctx context.Context, r RewardRedemption) error
	GetRedemption(ctx context.Context, id RedemptionID) (*RewardRedemption, error)
	ListRedemptions(ctx context.Context, tenant TenantID, user UserID) ([]RewardRedemption, error)

	// CountRedemptions counts a user's non-cancelled redemptions of a reward,
	// for the per-user claim limit.
	CountRedemptions(ctx context.Context, tenant TenantID, user UserID, reward RewardID) (int64, error)

	// SetRedemptionStatus performs the lifecycle transition. The expected
	// current status guards against racing transitions; returns
	// ErrRedemptionNotCancellable (or not-found) when the row is not in the
	// expected state.
	SetRedemptionStatus(ctx context.Context, id RedemptionID, from, to RedemptionStatus, at time.Time) error
}

// =============================================================================
// TENANT STORE - Tenants and users
// =============================================================================

type TenantStore interface {
	CreateTenant(ctx context.Context, t Tenant) error
	GetTenant(ctx context.Context, id TenantID) (*Tenant, error)
	ListTenants(ctx context.Context) ([]Tenant, error)

	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, tenant TenantID, id UserID) (*User, error)
	ListUsers(ctx context.Context, tenant TenantID) ([]User, error)
}

// =============================================================================
// STORE - Full persistence surface with transaction support
// =============================================================================

// Store aggregates every persistence concern the engine needs.
type Store interface {
	LedgerStore
	AchievementStore
	RewardStore
	TenantStore

	// WithTx executes fn against a store whose operations share one database
	// transaction. If fn returns an error the transaction rolls back; the
	// error propagates unchanged so sentinel checks still work.
	WithTx(ctx context.Context, fn func(Store) error) error
}
