/*
guard.go - Engine construction and the tenant-scoped entry point

PURPOSE:
  Every public operation of the engine hangs off a Scope, a handle bound to
  exactly one tenant at construction time. There is no way to call the
  ledger, achievement, or redemption operations without first naming a
  tenant, and no fallback that infers one from ambient state. The guard is a
  discipline made structural.

TENANT MISMATCH:
  Operations that look rows up by a globally unique ID (e.g. a redemption ID)
  re-check the row's tenant against the scope. A mismatch is a programming
  error or an attempted cross-tenant access: it fails loudly with
  ErrTenantMismatch and is logged as a security-relevant event.
*/
package progression

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// ENGINE - Dependency holder
// =============================================================================

// Engine owns the engine's dependencies. It exposes no operations directly;
// call Scope to obtain a tenant-bound handle.
type Engine struct {
	store  Store
	source ActivitySource
	log    *zap.Logger
	now    func() time.Time
}

// New creates an engine over the given store and activity source.
// A nil logger is replaced with a no-op logger.
func New(store Store, source ActivitySource, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:  store,
		source: source,
		log:    log,
		now:    time.Now,
	}
}

// WithClock overrides the engine clock. Used by tests for deterministic
// period keys.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Store exposes the underlying store for wiring (admin config, demo seeding).
func (e *Engine) Store() Store {
	return e.store
}

// =============================================================================
// SCOPE - Tenant-bound capability handle
// =============================================================================

// Scope is the only way to reach engine operations. It is cheap to create
// per request and carries the tenant's timezone for window math.
type Scope struct {
	engine *Engine
	tenant Tenant
	loc    *time.Location
}

// Scope resolves the tenant and returns a handle bound to it.
// Returns ErrTenantNotFound for an unknown tenant.
func (e *Engine) Scope(ctx context.Context, tenant TenantID) (*Scope, error) {
	t, err := e.store.GetTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return &Scope{engine: e, tenant: *t, loc: t.Location()}, nil
}

// TenantID returns the tenant this scope is bound to.
func (s *Scope) TenantID() TenantID {
	return s.tenant.ID
}

// Location returns the tenant's timezone.
func (s *Scope) Location() *time.Location {
	return s.loc
}

// checkTenant verifies that a row loaded by globally unique ID belongs to
// this scope's tenant. Mismatches fail loudly and leave a security log line.
func (s *Scope) checkTenant(actual TenantID, entity, rowID string) error {
	if actual == s.tenant.ID {
		return nil
	}
	err := &TenantMismatchError{
		Expected: s.tenant.ID,
		Actual:   actual,
		Entity:   entity,
		RowID:    rowID,
	}
	s.engine.log.Warn("cross-tenant access blocked",
		zap.String("scoped_tenant", string(s.tenant.ID)),
		zap.String("row_tenant", string(actual)),
		zap.String("entity", entity),
		zap.String("row_id", rowID),
	)
	return err
}
