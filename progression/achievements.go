/*
achievements.go - Achievement unlock state machine

PURPOSE:
  Consumes activity events and drives Locked -> Unlocked transitions. For
  period=all the transition is terminal; for recurring periods every period
  key gets its own independent instance of the two-state machine.

ORDERING AND CRASH SAFETY:
  An unlock is two writes against two idempotent, uniquely-keyed tables:

    1. INSERT achievement_unlocks  (unique per tenant/user/achievement/key)
    2. Credit ledger               (unique per tenant/source_type/source_id,
                                    where source_id = achievementID:periodKey)

  The order is insert-unlock-then-credit. If the process dies between them,
  the caller's at-least-once redelivery of the event no-ops the unlock insert
  (conflict) and still attempts the credit, which heals the gap. Neither
  write can apply twice.

FAILURE SEMANTICS:
  A metric-source failure aborts only that definition's evaluation for this
  event; the rest of the batch proceeds and the event stays retryable. The
  activity that raised the event must never fail because badge evaluation
  hiccuped, so those failures are logged and swallowed here.
*/
package progression

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// EVENT CONSUMPTION
// =============================================================================

// OnActivityEvent re-evaluates every active definition whose trigger type is
// relevant to the event and unlocks the newly satisfied ones. Safe under
// at-least-once delivery and safe to retry after any error.
func (s *Scope) OnActivityEvent(ctx context.Context, event ActivityEvent) error {
	if err := s.checkTenant(event.TenantID, "activity_event", event.EventSourceID); err != nil {
		return err
	}

	triggers := TriggersForEvent(event.EventType)
	if len(triggers) == 0 {
		return nil
	}

	defs, err := s.engine.store.ActiveDefinitionsByTrigger(ctx, s.tenant.ID, triggers)
	if err != nil {
		return err
	}

	var writeErrs []error
	for _, def := range defs {
		if err := s.processDefinition(ctx, def, event.UserID, event.OccurredAt); err != nil {
			if errors.Is(err, ErrMetricSourceUnavailable) {
				// Transient: this definition will be caught on redelivery or
				// the next qualifying event. Do not fail the batch.
				s.engine.log.Warn("achievement evaluation skipped",
					zap.String("tenant", string(s.tenant.ID)),
					zap.String("achievement", string(def.ID)),
					zap.Error(err),
				)
				continue
			}
			writeErrs = append(writeErrs, fmt.Errorf("achievement %s: %w", def.ID, err))
		}
	}
	return errors.Join(writeErrs...)
}

// processDefinition runs the two-state machine for one definition at one
// period key.
func (s *Scope) processDefinition(ctx context.Context, def AchievementDefinition, user UserID, occurredAt time.Time) error {
	periodKey := def.Period.Key(occurredAt, s.loc)

	unlocked, err := s.engine.store.HasUnlock(ctx, s.tenant.ID, user, def.ID, periodKey)
	if err != nil {
		return err
	}
	if unlocked {
		// Already unlocked for this key. Still ensure the credit exists so a
		// crash between unlock insert and credit is healed by redelivery.
		return s.creditUnlock(ctx, def, user, periodKey)
	}

	value, err := s.Evaluate(ctx, user, def.TriggerType, def.Period, occurredAt)
	if err != nil {
		return err
	}
	if value.LessThan(def.TriggerValue) {
		return nil
	}

	return s.unlock(ctx, def, user, periodKey, occurredAt)
}

// =============================================================================
// CUSTOM TRIGGERS
// =============================================================================

// EvaluateCustom drives the unlock path for a custom-trigger achievement
// whose predicate was computed by an external rules evaluator. The unlock and
// credit flow is identical to internally evaluated achievements, so the
// idempotence guarantees carry over unchanged.
func (s *Scope) EvaluateCustom(ctx context.Context, user UserID, achievement AchievementID, satisfied bool, occurredAt time.Time) error {
	def, err := s.engine.store.GetDefinition(ctx, s.tenant.ID, achievement)
	if err != nil {
		return err
	}
	if def.TriggerType != TriggerCustom {
		return fmt.Errorf("achievement %s has trigger %s, not custom", achievement, def.TriggerType)
	}
	if !def.Active || !satisfied {
		return nil
	}
	return s.unlock(ctx, *def, user, def.Period.Key(occurredAt, s.loc), occurredAt)
}

// =============================================================================
// UNLOCK + CREDIT
// =============================================================================

func (s *Scope) unlock(ctx context.Context, def AchievementDefinition, user UserID, periodKey string, occurredAt time.Time) error {
	u := AchievementUnlock{
		ID:            EntryID(uuid.NewString()),
		TenantID:      s.tenant.ID,
		UserID:        user,
		AchievementID: def.ID,
		PeriodKey:     periodKey,
		UnlockedAt:    occurredAt,
	}
	created, err := s.engine.store.InsertUnlock(ctx, u)
	if err != nil {
		return err
	}
	if created {
		s.engine.log.Info("achievement unlocked",
			zap.String("tenant", string(s.tenant.ID)),
			zap.String("user", string(user)),
			zap.String("achievement", string(def.ID)),
			zap.String("period_key", periodKey),
			zap.Int64("points", def.Points),
		)
	}
	// Credit regardless of whether this call inserted the unlock: the credit
	// has its own idempotence key, so at worst this is a no-op.
	return s.creditUnlock(ctx, def, user, periodKey)
}

func (s *Scope) creditUnlock(ctx context.Context, def AchievementDefinition, user UserID, periodKey string) error {
	if def.Points <= 0 {
		return nil
	}
	sourceID := fmt.Sprintf("%s:%s", def.ID, periodKey)
	_, err := s.Credit(ctx, user, def.Points, SourceAchievement, sourceID,
		fmt.Sprintf("Achievement unlocked: %s", def.Name))
	if errors.Is(err, ErrAlreadyApplied) {
		return nil
	}
	return err
}

// =============================================================================
// QUERIES
// =============================================================================

// UnlockedAchievements returns every unlock for the user, for UI display.
func (s *Scope) UnlockedAchievements(ctx context.Context, user UserID) ([]AchievementUnlock, error) {
	return s.engine.store.UnlocksForUser(ctx, s.tenant.ID, user)
}

// Progress reports how close the user is to an achievement as of now.
// Non-mutating; calls the metric evaluator directly. For custom triggers the
// current value is unknowable here, so it reports 0 (or the target once
// unlocked).
func (s *Scope) Progress(ctx context.Context, user UserID, achievement AchievementID) (*Progress, error) {
	def, err := s.engine.store.GetDefinition(ctx, s.tenant.ID, achievement)
	if err != nil {
		return nil, err
	}

	now := s.engine.now()
	unlocked, err := s.engine.store.HasUnlock(ctx, s.tenant.ID, user, def.ID, def.Period.Key(now, s.loc))
	if err != nil {
		return nil, err
	}

	p := &Progress{Target: def.TriggerValue, Unlocked: unlocked}
	if def.TriggerType == TriggerCustom {
		if unlocked {
			p.Current = def.TriggerValue
		}
		return p, nil
	}

	current, err := s.Evaluate(ctx, user, def.TriggerType, def.Period, now)
	if err != nil {
		return nil, err
	}
	p.Current = current
	return p, nil
}
