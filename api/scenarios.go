/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates a fresh tenant with
	users, achievement definitions, a reward catalog, and enough activity
	history to show unlocks and gem balances.

AVAILABLE SCENARIOS:

	getting-started:   One tenant, two users, starter achievements, a few
	                   completed tasks and check-ins, first unlocks credited
	contested-reward:  Three funded users and a single-unit reward, ready for
	                   a race on the last item

HOW SCENARIOS WORK:
 1. Create a fresh tenant (generated ID; nothing is reset or shared)
 2. Create users
 3. Create achievement definitions and rewards via factory
 4. Seed task/check-in records as the external services would
 5. Fire activity events through the engine so unlocks and credits happen
    the same way they do in production

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "getting-started"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, h)
 3. Add case to LoadScenario handler

SEE ALSO:
  - handlers.go: Shared response helpers
  - factory/definitions.go: Achievement and reward JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/warp/progression-engine/factory"
	"github.com/warp/progression-engine/progression"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "getting-started",
		Name:        "Getting Started",
		Description: "Two users with completed tasks and check-ins, first achievements unlocked",
	},
	{
		ID:          "contested-reward",
		Name:        "Contested Reward",
		Description: "Three funded users and a one-unit reward, set up for a redemption race",
	},
}

// ActivitySeeder is implemented by stores that can insert task and check-in
// records the way the external collaborators would. The SQLite store
// implements it; scenario loading is unavailable over stores that do not.
type ActivitySeeder interface {
	SeedTask(ctx context.Context, id string, tenant progression.TenantID, user progression.UserID, completed, urgent bool, completedAt time.Time) error
	SeedCheckin(ctx context.Context, id string, tenant progression.TenantID, user progression.UserID, energy float64, at time.Time) error
}

// ListScenarios handles GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario handles POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}

	var (
		resp *LoadScenarioResponse
		err  error
	)
	switch req.ScenarioID {
	case "getting-started":
		resp, err = h.loadGettingStartedScenario(r.Context())
	case "contested-reward":
		resp, err = h.loadContestedRewardScenario(r.Context())
	default:
		h.badRequest(w, "unknown scenario: "+req.ScenarioID)
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// =============================================================================
// SCENARIO SETUP HELPERS
// =============================================================================

func (h *Handler) createScenarioTenant(ctx context.Context, name, tz string) (progression.Tenant, error) {
	t := progression.Tenant{
		ID:        progression.TenantID(uuid.NewString()),
		Name:      name,
		Timezone:  tz,
		CreatedAt: h.now(),
	}
	return t, h.store.CreateTenant(ctx, t)
}

func (h *Handler) createScenarioUser(ctx context.Context, tenant progression.TenantID, name string) (progression.User, error) {
	u := progression.User{
		ID:        progression.UserID(uuid.NewString()),
		TenantID:  tenant,
		Name:      name,
		CreatedAt: h.now(),
	}
	return u, h.store.CreateUser(ctx, u)
}

func (h *Handler) createDefinitions(ctx context.Context, tenant progression.TenantID, defs []factory.AchievementJSON) error {
	for _, aj := range defs {
		def, err := factory.AchievementFromJSON(tenant, aj, h.now())
		if err != nil {
			return fmt.Errorf("scenario achievement %q: %w", aj.Name, err)
		}
		if err := h.store.CreateDefinition(ctx, *def); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) createRewards(ctx context.Context, tenant progression.TenantID, rewards []factory.RewardJSON) error {
	for _, rj := range rewards {
		reward, err := factory.RewardFromJSON(tenant, rj, h.now())
		if err != nil {
			return fmt.Errorf("scenario reward %q: %w", rj.Title, err)
		}
		if err := h.store.CreateReward(ctx, *reward); err != nil {
			return err
		}
	}
	return nil
}

func int64ptr(v int64) *int64 { return &v }

// =============================================================================
// GETTING STARTED
// =============================================================================

func (h *Handler) loadGettingStartedScenario(ctx context.Context) (*LoadScenarioResponse, error) {
	seeder, ok := h.store.(ActivitySeeder)
	if !ok {
		return nil, fmt.Errorf("store does not support activity seeding")
	}

	tenant, err := h.createScenarioTenant(ctx, "Acme Demo", "America/New_York")
	if err != nil {
		return nil, err
	}
	alice, err := h.createScenarioUser(ctx, tenant.ID, "Alice")
	if err != nil {
		return nil, err
	}
	bob, err := h.createScenarioUser(ctx, tenant.ID, "Bob")
	if err != nil {
		return nil, err
	}

	if err := h.createDefinitions(ctx, tenant.ID, []factory.AchievementJSON{
		{ID: "first-task", Name: "First Task Done", TriggerType: "tasks_completed", TriggerValue: json.Number("1"), Period: "all", Points: 25},
		{ID: "task-machine", Name: "Task Machine", TriggerType: "tasks_completed", TriggerValue: json.Number("10"), Period: "week", Points: 50},
		{ID: "daily-checkin", Name: "Daily Check-In", TriggerType: "checkins_completed", TriggerValue: json.Number("1"), Period: "all", Points: 10},
		{ID: "week-streak", Name: "One Week Streak", TriggerType: "streak", TriggerValue: json.Number("7"), Period: "all", Points: 100},
		{ID: "energized", Name: "Energized", TriggerType: "avg_energy", TriggerValue: json.Number("7.5"), Period: "week", Points: 40},
	}); err != nil {
		return nil, err
	}
	if err := h.createRewards(ctx, tenant.ID, []factory.RewardJSON{
		{ID: "coffee-card", Title: "Coffee Gift Card", Cost: 150},
		{ID: "team-hoodie", Title: "Team Hoodie", Cost: 500, StockLimit: int64ptr(5), MaxClaimsPerUser: 1},
	}); err != nil {
		return nil, err
	}

	// Alice: three completed tasks today and a four-day check-in run.
	now := h.now()
	for i := 0; i < 3; i++ {
		if err := seeder.SeedTask(ctx, uuid.NewString(), tenant.ID, alice.ID, true, i == 0, now.Add(-time.Duration(i)*time.Hour)); err != nil {
			return nil, err
		}
	}
	for i := 0; i < 4; i++ {
		if err := seeder.SeedCheckin(ctx, uuid.NewString(), tenant.ID, alice.ID, 8.0, now.AddDate(0, 0, -i)); err != nil {
			return nil, err
		}
	}
	// Bob: one completed task, no check-ins yet.
	if err := seeder.SeedTask(ctx, uuid.NewString(), tenant.ID, bob.ID, true, false, now.Add(-30*time.Minute)); err != nil {
		return nil, err
	}

	// Replay the events the collaborators would have raised.
	scope, err := h.engine.Scope(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}
	events := []progression.ActivityEvent{
		{TenantID: tenant.ID, UserID: alice.ID, EventType: progression.EventTaskCompleted, EventSourceID: uuid.NewString(), OccurredAt: now},
		{TenantID: tenant.ID, UserID: alice.ID, EventType: progression.EventCheckinCompleted, EventSourceID: uuid.NewString(), OccurredAt: now},
		{TenantID: tenant.ID, UserID: bob.ID, EventType: progression.EventTaskCompleted, EventSourceID: uuid.NewString(), OccurredAt: now},
	}
	for _, e := range events {
		if err := scope.OnActivityEvent(ctx, e); err != nil {
			return nil, err
		}
	}

	return &LoadScenarioResponse{
		TenantID: string(tenant.ID),
		UserIDs:  map[string]string{"alice": string(alice.ID), "bob": string(bob.ID)},
		Message:  "Loaded getting-started: first-task and daily-checkin unlocked for Alice, first-task for Bob",
	}, nil
}

// =============================================================================
// CONTESTED REWARD
// =============================================================================

func (h *Handler) loadContestedRewardScenario(ctx context.Context) (*LoadScenarioResponse, error) {
	tenant, err := h.createScenarioTenant(ctx, "Scarcity Demo", "UTC")
	if err != nil {
		return nil, err
	}

	scope, err := h.engine.Scope(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}

	userIDs := make(map[string]string, 3)
	for _, name := range []string{"carol", "dave", "erin"} {
		u, err := h.createScenarioUser(ctx, tenant.ID, name)
		if err != nil {
			return nil, err
		}
		// Fund each user so balance is not the limiting factor.
		if _, err := scope.Credit(ctx, u.ID, 200, progression.SourceAdmin,
			"scenario-grant-"+string(u.ID), "Scenario starting balance"); err != nil {
			return nil, err
		}
		userIDs[name] = string(u.ID)
	}

	if err := h.createRewards(ctx, tenant.ID, []factory.RewardJSON{
		{ID: "front-row-parking", Title: "Front Row Parking (1 month)", Cost: 100, StockLimit: int64ptr(1)},
		{ID: "lunch-voucher", Title: "Lunch Voucher", Cost: 50},
	}); err != nil {
		return nil, err
	}

	return &LoadScenarioResponse{
		TenantID: string(tenant.ID),
		UserIDs:  userIDs,
		Message:  "Loaded contested-reward: three users with 200 gems, front-row-parking has exactly one unit",
	}, nil
}
