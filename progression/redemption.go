/*
redemption.go - Reward redemption under concurrent demand

PURPOSE:
  Processes redemption requests against current balance and remaining stock
  with transactional safety. The whole check-and-claim sequence runs inside
  one database transaction:

    load reward -> verify availability -> verify stock -> verify per-user
    limit -> debit balance -> guarded claimed_count increment -> insert
    redemption (pending)

  The debit and the increment are both atomic guarded updates, so many users
  racing for the last unit produce exactly one success, and a double-clicked
  redeem cannot spend the same gems twice.

CANCELLATION:
  Cancel transitions pending -> cancelled, releases the stock unit, and
  issues a compensating credit keyed by (reward_refund, redemptionID). The
  credit's idempotence key makes a second cancellation a no-op.
*/
package progression

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// REDEEM
// =============================================================================

// Redeem claims a reward for the user. On success the returned redemption is
// pending and the debit has been committed atomically with it.
func (s *Scope) Redeem(ctx context.Context, user UserID, reward RewardID) (*RewardRedemption, error) {
	// The redemption ID doubles as the debit's idempotence source_id. It is
	// generated before the transaction so the entry and the row agree.
	redemptionID := RedemptionID(uuid.NewString())

	var out *RewardRedemption
	err := s.engine.store.WithTx(ctx, func(tx Store) error {
		r, err := tx.GetReward(ctx, s.tenant.ID, reward)
		if err != nil {
			return err
		}
		if !r.IsAvailable {
			return ErrRewardUnavailable
		}
		if r.StockLimit != UnlimitedStock && r.ClaimedCount >= r.StockLimit {
			return ErrOutOfStock
		}
		if r.MaxClaimsPerUser > 0 {
			claims, err := tx.CountRedemptions(ctx, s.tenant.ID, user, reward)
			if err != nil {
				return err
			}
			if claims >= r.MaxClaimsPerUser {
				return ErrUserClaimLimitReached
			}
		}

		if _, err := s.apply(ctx, tx, user, -r.Cost, SourceReward, string(redemptionID),
			fmt.Sprintf("Redeemed reward: %s", r.Title)); err != nil {
			return err
		}

		// Guarded increment: re-checks stock at the storage layer, closing
		// the race the pre-check above cannot.
		if err := tx.ClaimRewardStock(ctx, s.tenant.ID, reward); err != nil {
			return err
		}

		redemption := RewardRedemption{
			ID:        redemptionID,
			TenantID:  s.tenant.ID,
			UserID:    user,
			RewardID:  reward,
			GemsSpent: r.Cost,
			Status:    RedemptionPending,
			ClaimedAt: s.engine.now(),
		}
		if err := tx.InsertRedemption(ctx, redemption); err != nil {
			return err
		}
		out = &redemption
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.engine.log.Info("reward redeemed",
		zap.String("tenant", string(s.tenant.ID)),
		zap.String("user", string(user)),
		zap.String("reward", string(reward)),
		zap.Int64("gems_spent", out.GemsSpent),
	)
	return out, nil
}

// =============================================================================
// LIFECYCLE TRANSITIONS
// =============================================================================

// Cancel transitions a pending redemption to cancelled, releases its stock
// unit, and refunds the gems spent. Cancelling an already-cancelled
// redemption is a no-op; cancelling a delivered one fails.
func (s *Scope) Cancel(ctx context.Context, redemption RedemptionID) error {
	return s.engine.store.WithTx(ctx, func(tx Store) error {
		r, err := tx.GetRedemption(ctx, redemption)
		if err != nil {
			return err
		}
		if err := s.checkTenant(r.TenantID, "reward_redemption", string(r.ID)); err != nil {
			return err
		}

		switch r.Status {
		case RedemptionCancelled:
			return nil
		case RedemptionDelivered:
			return ErrRedemptionNotCancellable
		}

		if err := tx.SetRedemptionStatus(ctx, redemption, RedemptionPending, RedemptionCancelled, s.engine.now()); err != nil {
			return err
		}
		if err := tx.ReleaseRewardStock(ctx, s.tenant.ID, r.RewardID); err != nil {
			return err
		}

		_, err = s.apply(ctx, tx, r.UserID, r.GemsSpent, SourceRewardRefund, string(r.ID),
			"Refund for cancelled redemption")
		if errors.Is(err, ErrAlreadyApplied) {
			return nil
		}
		return err
	})
}

// MarkDelivered records fulfillment of a pending redemption.
func (s *Scope) MarkDelivered(ctx context.Context, redemption RedemptionID) error {
	r, err := s.engine.store.GetRedemption(ctx, redemption)
	if err != nil {
		return err
	}
	if err := s.checkTenant(r.TenantID, "reward_redemption", string(r.ID)); err != nil {
		return err
	}
	return s.engine.store.SetRedemptionStatus(ctx, redemption, RedemptionPending, RedemptionDelivered, s.engine.now())
}

// =============================================================================
// QUERIES
// =============================================================================

// Redemptions returns the user's redemption history, newest first.
func (s *Scope) Redemptions(ctx context.Context, user UserID) ([]RewardRedemption, error) {
	return s.engine.store.ListRedemptions(ctx, s.tenant.ID, user)
}
