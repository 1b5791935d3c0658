/*
ledger.go - Gem ledger operations

PURPOSE:
  The ledger is the source of truth for every gem balance change. The cached
  users.gem_balance column is a materialized projection the store maintains
  in the same transaction as each entry, so the invariant

    gem_balance == SUM(ledger_entries.delta)

  holds for every committed transaction. Reconciliation jobs may recompute
  and compare, but correctness never depends on them.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: Entries are never updated or deleted. Corrections are
     compensating entries (see redemption.go Cancel).
  2. IDEMPOTENT: (tenant_id, source_type, source_id) is unique. Replaying an
     event returns ErrAlreadyApplied and writes nothing; callers treat that
     as success.
  3. GUARDED DEBITS: A debit re-checks the balance under the same atomic
     update that applies it. Two racing redemptions cannot both spend the
     same gems.
*/
package progression

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// =============================================================================
// CREDIT / DEBIT
// =============================================================================

// Credit appends a positive entry and raises the user's balance. Idempotent
// by (tenant, sourceType, sourceID): a replay returns ErrAlreadyApplied.
func (s *Scope) Credit(ctx context.Context, user UserID, amount int64, sourceType SourceType, sourceID, description string) (*LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	return s.apply(ctx, s.engine.store, user, amount, sourceType, sourceID, description)
}

// Debit appends a negative entry and lowers the user's balance. Returns
// ErrInsufficientBalance (with context) when the balance cannot cover it;
// nothing is written in that case.
func (s *Scope) Debit(ctx context.Context, user UserID, amount int64, sourceType SourceType, sourceID, description string) (*LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	return s.apply(ctx, s.engine.store, user, -amount, sourceType, sourceID, description)
}

// apply builds and persists one entry against the given store view, which is
// either the root store or a transaction view (redemption runs inside
// WithTx and passes the transaction here).
func (s *Scope) apply(ctx context.Context, store Store, user UserID, delta int64, sourceType SourceType, sourceID, description string) (*LedgerEntry, error) {
	entry := LedgerEntry{
		ID:          EntryID(uuid.NewString()),
		TenantID:    s.tenant.ID,
		UserID:      user,
		Delta:       delta,
		SourceType:  sourceType,
		SourceID:    sourceID,
		Description: description,
		CreatedAt:   s.engine.now(),
	}
	if err := store.ApplyEntry(ctx, entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// =============================================================================
// READS
// =============================================================================

// Balance returns the user's materialized gem balance.
func (s *Scope) Balance(ctx context.Context, user UserID) (int64, error) {
	return s.engine.store.Balance(ctx, s.tenant.ID, user)
}

// Entries returns the user's full ledger history, oldest first.
func (s *Scope) Entries(ctx context.Context, user UserID) ([]LedgerEntry, error) {
	return s.engine.store.Entries(ctx, s.tenant.ID, user)
}
