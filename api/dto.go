/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for API communication, decoupling the engine's domain
  model from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers (and in factory/ for admin config). DTOs
  are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/definitions.go: Admin config JSON schema
*/
package api

import (
	"time"

	"github.com/warp/progression-engine/progression"
)

// =============================================================================
// ERROR RESPONSE
// =============================================================================

// ErrorResponse carries a machine-readable code alongside the human message
// so clients can branch without string matching.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// =============================================================================
// TENANTS AND USERS
// =============================================================================

type CreateTenantRequest struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Timezone string `json:"timezone,omitempty"`
}

type TenantDTO struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Timezone  string    `json:"timezone"`
	CreatedAt time.Time `json:"created_at"`
}

type CreateUserRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type UserDTO struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Name       string    `json:"name"`
	GemBalance int64     `json:"gem_balance"`
	CreatedAt  time.Time `json:"created_at"`
}

type BalanceDTO struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// =============================================================================
// LEDGER
// =============================================================================

type LedgerEntryDTO struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Delta       int64     `json:"delta"`
	SourceType  string    `json:"source_type"`
	SourceID    string    `json:"source_id"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func toLedgerEntryDTO(e progression.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:          string(e.ID),
		UserID:      string(e.UserID),
		Delta:       e.Delta,
		SourceType:  string(e.SourceType),
		SourceID:    e.SourceID,
		Description: e.Description,
		CreatedAt:   e.CreatedAt,
	}
}

// CreditRequest is a manual admin grant.
type CreditRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	SourceID    string `json:"source_id"` // idempotence key; required
	Description string `json:"description,omitempty"`
}

type CreditResponse struct {
	Entry          *LedgerEntryDTO `json:"entry,omitempty"`
	AlreadyApplied bool            `json:"already_applied"`
}

// =============================================================================
// ACTIVITY EVENTS
// =============================================================================

type ActivityEventRequest struct {
	UserID        string    `json:"user_id"`
	EventType     string    `json:"event_type"`
	EventSourceID string    `json:"event_source_id"`
	OccurredAt    time.Time `json:"occurred_at,omitempty"` // default now
}

type EvaluateCustomRequest struct {
	UserID     string    `json:"user_id"`
	Satisfied  bool      `json:"satisfied"`
	OccurredAt time.Time `json:"occurred_at,omitempty"`
}

// =============================================================================
// ACHIEVEMENTS
// =============================================================================

type DefinitionDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	TriggerType  string `json:"trigger_type"`
	TriggerValue string `json:"trigger_value"`
	Period       string `json:"period"`
	Points       int64  `json:"points"`
	Active       bool   `json:"active"`
}

func toDefinitionDTO(d progression.AchievementDefinition) DefinitionDTO {
	return DefinitionDTO{
		ID:           string(d.ID),
		Name:         d.Name,
		TriggerType:  string(d.TriggerType),
		TriggerValue: d.TriggerValue.String(),
		Period:       string(d.Period),
		Points:       d.Points,
		Active:       d.Active,
	}
}

type UnlockDTO struct {
	AchievementID string    `json:"achievement_id"`
	PeriodKey     string    `json:"period_key"`
	UnlockedAt    time.Time `json:"unlocked_at"`
}

func toUnlockDTO(u progression.AchievementUnlock) UnlockDTO {
	return UnlockDTO{
		AchievementID: string(u.AchievementID),
		PeriodKey:     u.PeriodKey,
		UnlockedAt:    u.UnlockedAt,
	}
}

type ProgressDTO struct {
	AchievementID string `json:"achievement_id"`
	Current       string `json:"current"`
	Target        string `json:"target"`
	Unlocked      bool   `json:"unlocked"`
}

// =============================================================================
// REWARDS AND REDEMPTIONS
// =============================================================================

type RewardDTO struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	Cost             int64  `json:"cost"`
	StockLimit       int64  `json:"stock_limit"`
	ClaimedCount     int64  `json:"claimed_count"`
	MaxClaimsPerUser int64  `json:"max_claims_per_user"`
	IsAvailable      bool   `json:"is_available"`
}

func toRewardDTO(r progression.Reward) RewardDTO {
	return RewardDTO{
		ID:               string(r.ID),
		Title:            r.Title,
		Description:      r.Description,
		Cost:             r.Cost,
		StockLimit:       r.StockLimit,
		ClaimedCount:     r.ClaimedCount,
		MaxClaimsPerUser: r.MaxClaimsPerUser,
		IsAvailable:      r.IsAvailable,
	}
}

type RedeemRequest struct {
	RewardID string `json:"reward_id"`
}

type RedemptionDTO struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	RewardID    string     `json:"reward_id"`
	GemsSpent   int64      `json:"gems_spent"`
	Status      string     `json:"status"`
	ClaimedAt   time.Time  `json:"claimed_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

func toRedemptionDTO(r progression.RewardRedemption) RedemptionDTO {
	return RedemptionDTO{
		ID:          string(r.ID),
		UserID:      string(r.UserID),
		RewardID:    string(r.RewardID),
		GemsSpent:   r.GemsSpent,
		Status:      string(r.Status),
		ClaimedAt:   r.ClaimedAt,
		DeliveredAt: r.DeliveredAt,
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// LoadScenarioResponse reports the IDs the loader generated so a demo client
// can navigate straight to them.
type LoadScenarioResponse struct {
	TenantID string            `json:"tenant_id"`
	UserIDs  map[string]string `json:"user_ids"`
	Message  string            `json:"message"`
}
