/*
errors.go - Centralized error types for the progression engine

PURPOSE:
  All engine errors in one place. Public operations return these as typed
  results; request handlers branch on them to produce user-facing messages
  instead of catching generic faults.

ERROR CATEGORIES:
  1. Idempotence short-circuits - not failures, callers treat as success
  2. Business rejections - insufficient balance, stock, claim limits
  3. Transient failures - metric source unavailable, safe to retry
  4. Programming errors - tenant mismatch, must fail loudly

USAGE:
  switch {
  case errors.Is(err, progression.ErrAlreadyApplied):
      // retry of an event we already processed; success
  case errors.Is(err, progression.ErrInsufficientBalance):
      // tell the user "not enough gems"
  }
*/
package progression

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAlreadyApplied is returned when a ledger write's idempotence key
	// (tenant, source_type, source_id) already exists. This is expected for
	// retries and at-least-once delivery; callers treat it as success.
	ErrAlreadyApplied = errors.New("ledger entry already applied")

	// ErrInsufficientBalance is returned when a debit exceeds the user's
	// current gem balance. The whole transaction rolls back.
	ErrInsufficientBalance = errors.New("insufficient gem balance")

	// ErrOutOfStock is returned when a reward's claimed count has reached its
	// stock limit.
	ErrOutOfStock = errors.New("reward out of stock")

	// ErrUserClaimLimitReached is returned when the user has already claimed
	// a reward its maximum number of times.
	ErrUserClaimLimitReached = errors.New("per-user claim limit reached")

	// ErrRewardUnavailable is returned when a reward exists but is not
	// currently offered.
	ErrRewardUnavailable = errors.New("reward unavailable")

	// ErrMetricSourceUnavailable wraps failures of the external activity data
	// source. Transient; the triggering event can be retried later.
	ErrMetricSourceUnavailable = errors.New("metric source unavailable")

	// ErrTenantMismatch indicates a caller bug or an attempted cross-tenant
	// access. It must fail loudly and is logged as a security event.
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrRedemptionNotCancellable is returned when Cancel targets a
	// redemption that is not pending (delivered ones stay delivered).
	ErrRedemptionNotCancellable = errors.New("redemption not cancellable")

	ErrTenantNotFound      = errors.New("tenant not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrAchievementNotFound = errors.New("achievement not found")
	ErrRewardNotFound      = errors.New("reward not found")
	ErrRedemptionNotFound  = errors.New("redemption not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports how short the user fell.
type InsufficientBalanceError struct {
	TenantID  TenantID
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient gem balance: available %d, requested %d", e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// TenantMismatchError reports which row leaked across the boundary.
type TenantMismatchError struct {
	Expected TenantID
	Actual   TenantID
	Entity   string // table/entity name for the log line
	RowID    string
}

func (e *TenantMismatchError) Error() string {
	return fmt.Sprintf("tenant mismatch on %s %s: scoped to %s, row belongs to %s",
		e.Entity, e.RowID, e.Expected, e.Actual)
}

func (e *TenantMismatchError) Unwrap() error {
	return ErrTenantMismatch
}

// MetricSourceError wraps the underlying data-source failure while keeping
// errors.Is(err, ErrMetricSourceUnavailable) true.
type MetricSourceError struct {
	Trigger TriggerType
	Cause   error
}

func (e *MetricSourceError) Error() string {
	return fmt.Sprintf("metric source unavailable for %s: %v", e.Trigger, e.Cause)
}

func (e *MetricSourceError) Unwrap() error {
	return ErrMetricSourceUnavailable
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the operation might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrMetricSourceUnavailable)
}

// IsClientError returns true if the error is a business rejection the caller
// should surface to the user rather than alert on.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrUserClaimLimitReached) ||
		errors.Is(err, ErrRewardUnavailable) ||
		errors.Is(err, ErrRedemptionNotCancellable)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTenantNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrAchievementNotFound) ||
		errors.Is(err, ErrRewardNotFound) ||
		errors.Is(err, ErrRedemptionNotFound)
}
