/*
Package progression provides the gamification progression engine.

PURPOSE:
  This package contains the tenant-scoped core for gem ledgers, achievement
  unlocks, and reward redemption. It is invoked synchronously by request
  handlers; it owns no scheduler and no transport.

KEY CONCEPTS IN THIS FILE (types.go):
  - LedgerEntry: An immutable record of one gem balance change
  - AchievementDefinition: Admin-authored unlock condition (trigger + threshold)
  - AchievementUnlock: At-most-once record per (user, achievement, period key)
  - Reward / RewardRedemption: Catalog entry and a user's claim against it
  - ActivityEvent: The inbound fact that drives achievement evaluation

DESIGN PRINCIPLES:
  1. Immutability: Ledger entries and unlocks are write-once; corrections are
     compensating entries, never edits
  2. Idempotence: Every balance-affecting write carries a natural unique key
  3. Tenant isolation: Every entity carries a TenantID and every operation is
     reached through a tenant-scoped handle (see guard.go)
  4. Closed enums: Trigger types and periods are typed constants, not free
     strings, so new cases are handled exhaustively

SEE ALSO:
  - errors.go: Error taxonomy
  - period.go: Period key encoding and window resolution
  - ledger.go: Ledger contract
  - achievements.go: Unlock state machine
  - redemption.go: Reward redemption
*/
package progression

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type UserID string
type AchievementID string
type RewardID string
type EntryID string
type RedemptionID string

// =============================================================================
// LEDGER ENTRY - Atomic change to a user's gem balance
// =============================================================================

// SourceType identifies what caused a ledger entry. Together with SourceID it
// forms the idempotence key (tenant_id, source_type, source_id): replaying the
// same source must not create a second entry.
type SourceType string

const (
	SourceAchievement  SourceType = "achievement"   // Achievement unlock credit
	SourceReward       SourceType = "reward"        // Redemption debit
	SourceRewardRefund SourceType = "reward_refund" // Cancellation compensation
	SourceAdmin        SourceType = "admin"         // Manual admin grant/adjustment
	SourceOnboarding   SourceType = "onboarding"    // Onboarding completion bonus
)

// LedgerEntry is an immutable fact. Never updated or deleted; corrections are
// issued as new compensating entries.
type LedgerEntry struct {
	ID          EntryID
	TenantID    TenantID
	UserID      UserID
	Delta       int64 // signed; positive = credit, negative = debit
	SourceType  SourceType
	SourceID    string
	Description string
	CreatedAt   time.Time
}

// =============================================================================
// ACHIEVEMENT DEFINITIONS AND UNLOCKS
// =============================================================================

// TriggerType is the activity metric an achievement is evaluated against.
type TriggerType string

const (
	TriggerTasksCompleted    TriggerType = "tasks_completed"
	TriggerCheckinsCompleted TriggerType = "checkins_completed"
	TriggerStreak            TriggerType = "streak"
	TriggerAvgEnergy         TriggerType = "avg_energy"
	TriggerUrgentTasks       TriggerType = "urgent_tasks"
	TriggerGemsEarned        TriggerType = "gems_earned"
	TriggerCustom            TriggerType = "custom"
)

// TriggerTypes lists every valid trigger type, for validation.
var TriggerTypes = []TriggerType{
	TriggerTasksCompleted, TriggerCheckinsCompleted, TriggerStreak,
	TriggerAvgEnergy, TriggerUrgentTasks, TriggerGemsEarned, TriggerCustom,
}

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	for _, known := range TriggerTypes {
		if t == known {
			return true
		}
	}
	return false
}

// AchievementDefinition is admin-authored configuration, read-only to the
// engine. A `custom` trigger is driven by an external rules evaluator through
// Scope.EvaluateCustom; the Metric Evaluator never sees it.
type AchievementDefinition struct {
	ID           AchievementID
	TenantID     TenantID
	Name         string
	TriggerType  TriggerType
	TriggerValue decimal.Decimal // unlock when metric >= TriggerValue
	Period       PeriodType
	Points       int64 // gems credited on unlock
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AchievementUnlock records one unlock. At most one row exists per
// (tenant, user, achievement, period key); recurring periods get a fresh key
// each window, `all` uses a constant key so the unlock is terminal.
type AchievementUnlock struct {
	ID            EntryID
	TenantID      TenantID
	UserID        UserID
	AchievementID AchievementID
	PeriodKey     string
	UnlockedAt    time.Time
}

// Progress is the non-mutating answer to "how close is this user", suitable
// for progress-bar display.
type Progress struct {
	Current  decimal.Decimal
	Target   decimal.Decimal
	Unlocked bool
}

// =============================================================================
// REWARDS AND REDEMPTIONS
// =============================================================================

// UnlimitedStock marks a reward with no stock ceiling.
const UnlimitedStock int64 = -1

// Reward is a catalog entry. ClaimedCount is one of the two mutable shared
// counters in the system (the other is users.gem_balance); it is written only
// through the redemption engine.
type Reward struct {
	ID                RewardID
	TenantID          TenantID
	Title             string
	Description       string
	Cost              int64
	StockLimit        int64 // UnlimitedStock (-1) = no ceiling
	ClaimedCount      int64
	MaxClaimsPerUser  int64 // 0 = unlimited
	IsAvailable       bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RedemptionStatus is the redemption lifecycle state.
type RedemptionStatus string

const (
	RedemptionPending   RedemptionStatus = "pending"
	RedemptionDelivered RedemptionStatus = "delivered"
	RedemptionCancelled RedemptionStatus = "cancelled"
)

// RewardRedemption records a claim. Its creation and the corresponding debit
// ledger entry are atomic: either both exist or neither does.
type RewardRedemption struct {
	ID          RedemptionID
	TenantID    TenantID
	UserID      UserID
	RewardID    RewardID
	GemsSpent   int64
	Status      RedemptionStatus
	ClaimedAt   time.Time
	DeliveredAt *time.Time
}

// =============================================================================
// ACTIVITY EVENTS - Inbound facts from external collaborators
// =============================================================================

// EventType identifies the activity that occurred. The mapping from event
// type to the trigger types it can affect lives in metrics.go; evaluation is
// bounded to relevant definitions, never a blanket re-check.
type EventType string

const (
	EventTaskCompleted       EventType = "task_completed"
	EventCheckinCompleted    EventType = "checkin_completed"
	EventOnboardingCompleted EventType = "onboarding_completed"
	EventGemsAwarded         EventType = "gems_awarded" // manual grant, refund, etc.
)

// ActivityEvent is raised by task-completion, check-in, and onboarding
// collaborators. Delivery is at-least-once; everything downstream is
// idempotent by unique keys.
type ActivityEvent struct {
	TenantID      TenantID
	UserID        UserID
	EventType     EventType
	EventSourceID string // e.g. the task or check-in row ID
	OccurredAt    time.Time
}

// =============================================================================
// TENANT AND USER - Minimal projections the engine needs
// =============================================================================

// Tenant is the isolation boundary. Timezone governs calendar window math.
type Tenant struct {
	ID        TenantID
	Name      string
	Timezone  string // IANA name; empty = UTC
	CreatedAt time.Time
}

// Location resolves the tenant's timezone, falling back to UTC on any
// unknown or empty name.
func (t Tenant) Location() *time.Location {
	if t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// User carries the materialized gem balance. The balance is mutated only by
// the ledger store, in the same transaction as the entry that explains it.
type User struct {
	ID         UserID
	TenantID   TenantID
	Name       string
	GemBalance int64
	CreatedAt  time.Time
}
