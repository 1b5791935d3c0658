/*
Package factory provides JSON to Go conversion for admin-authored
gamification configuration.

PURPOSE:
  Tenant admins author achievement definitions and reward catalog entries as
  JSON (admin UI, seed files, API bodies). The factory validates the JSON
  against the engine's closed enums and numeric constraints and produces the
  domain structs the engine reads. Config mistakes are caught here, not deep
  inside an event handler.

JSON SCHEMA (achievement):
  {
    "id": "first-task",
    "name": "First Task Done",
    "trigger_type": "tasks_completed",
    "trigger_value": 1,
    "period": "all",
    "points": 25,
    "active": true
  }

JSON SCHEMA (reward):
  {
    "id": "coffee-card",
    "title": "Coffee Gift Card",
    "cost": 150,
    "stock_limit": 10,
    "max_claims_per_user": 1,
    "is_available": true
  }

SEE ALSO:
  - progression/types.go: Domain structs and enums
  - api/handlers.go: Admin endpoints using this factory
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/progression-engine/progression"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// AchievementJSON is the JSON representation of an achievement definition.
type AchievementJSON struct {
	ID           string          `json:"id,omitempty"` // generated when empty
	Name         string          `json:"name"`
	TriggerType  string          `json:"trigger_type"`
	TriggerValue json.Number     `json:"trigger_value"`
	Period       string          `json:"period,omitempty"` // default "all"
	Points       int64           `json:"points"`
	Active       *bool           `json:"active,omitempty"` // default true
}

// RewardJSON is the JSON representation of a reward catalog entry.
type RewardJSON struct {
	ID               string `json:"id,omitempty"`
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	Cost             int64  `json:"cost"`
	StockLimit       *int64 `json:"stock_limit,omitempty"` // default -1 (unlimited)
	MaxClaimsPerUser int64  `json:"max_claims_per_user,omitempty"`
	IsAvailable      *bool  `json:"is_available,omitempty"` // default true
}

// =============================================================================
// ACHIEVEMENT CONVERSION
// =============================================================================

// ParseAchievement parses and validates a JSON achievement definition for
// the given tenant.
func ParseAchievement(tenant progression.TenantID, raw []byte, now time.Time) (*progression.AchievementDefinition, error) {
	var aj AchievementJSON
	if err := json.Unmarshal(raw, &aj); err != nil {
		return nil, fmt.Errorf("failed to parse achievement JSON: %w", err)
	}
	return AchievementFromJSON(tenant, aj, now)
}

// AchievementFromJSON converts a decoded AchievementJSON into the domain
// struct, applying defaults and validating enums and thresholds.
func AchievementFromJSON(tenant progression.TenantID, aj AchievementJSON, now time.Time) (*progression.AchievementDefinition, error) {
	if aj.Name == "" {
		return nil, fmt.Errorf("achievement name is required")
	}

	trigger := progression.TriggerType(aj.TriggerType)
	if !trigger.Valid() {
		return nil, fmt.Errorf("unknown trigger type %q", aj.TriggerType)
	}

	period := progression.PeriodAll
	if aj.Period != "" {
		period = progression.PeriodType(aj.Period)
		if !period.Valid() {
			return nil, fmt.Errorf("unknown period %q", aj.Period)
		}
	}

	// Custom triggers have no internal metric; their threshold is nominal and
	// may be omitted.
	value := decimal.NewFromInt(1)
	if aj.TriggerValue != "" {
		var err error
		value, err = decimal.NewFromString(aj.TriggerValue.String())
		if err != nil {
			return nil, fmt.Errorf("invalid trigger value %q: %w", aj.TriggerValue, err)
		}
	} else if trigger != progression.TriggerCustom {
		return nil, fmt.Errorf("trigger value is required for %s", trigger)
	}
	if trigger != progression.TriggerCustom && value.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("trigger value must be positive, got %s", value)
	}
	if aj.Points < 0 {
		return nil, fmt.Errorf("points must not be negative, got %d", aj.Points)
	}

	id := aj.ID
	if id == "" {
		id = uuid.NewString()
	}
	active := true
	if aj.Active != nil {
		active = *aj.Active
	}

	return &progression.AchievementDefinition{
		ID:           progression.AchievementID(id),
		TenantID:     tenant,
		Name:         aj.Name,
		TriggerType:  trigger,
		TriggerValue: value,
		Period:       period,
		Points:       aj.Points,
		Active:       active,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// =============================================================================
// REWARD CONVERSION
// =============================================================================

// ParseReward parses and validates a JSON reward catalog entry for the given
// tenant.
func ParseReward(tenant progression.TenantID, raw []byte, now time.Time) (*progression.Reward, error) {
	var rj RewardJSON
	if err := json.Unmarshal(raw, &rj); err != nil {
		return nil, fmt.Errorf("failed to parse reward JSON: %w", err)
	}
	return RewardFromJSON(tenant, rj, now)
}

// RewardFromJSON converts a decoded RewardJSON into the domain struct.
func RewardFromJSON(tenant progression.TenantID, rj RewardJSON, now time.Time) (*progression.Reward, error) {
	if rj.Title == "" {
		return nil, fmt.Errorf("reward title is required")
	}
	if rj.Cost <= 0 {
		return nil, fmt.Errorf("reward cost must be positive, got %d", rj.Cost)
	}

	stockLimit := progression.UnlimitedStock
	if rj.StockLimit != nil {
		stockLimit = *rj.StockLimit
		if stockLimit < progression.UnlimitedStock || stockLimit == 0 {
			return nil, fmt.Errorf("stock limit must be -1 (unlimited) or positive, got %d", stockLimit)
		}
	}
	if rj.MaxClaimsPerUser < 0 {
		return nil, fmt.Errorf("max claims per user must not be negative, got %d", rj.MaxClaimsPerUser)
	}

	id := rj.ID
	if id == "" {
		id = uuid.NewString()
	}
	available := true
	if rj.IsAvailable != nil {
		available = *rj.IsAvailable
	}

	return &progression.Reward{
		ID:               progression.RewardID(id),
		TenantID:         tenant,
		Title:            rj.Title,
		Description:      rj.Description,
		Cost:             rj.Cost,
		StockLimit:       stockLimit,
		MaxClaimsPerUser: rj.MaxClaimsPerUser,
		IsAvailable:      available,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}
