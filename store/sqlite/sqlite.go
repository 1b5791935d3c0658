/*
Package sqlite provides the SQLite-backed implementation of the progression
engine's storage interfaces.

PURPOSE:
  Implements progression.Store (ledger, achievements, rewards, tenants) and
  progression.ActivitySource using SQLite. In production the same patterns
  apply to PostgreSQL - only minor dialect differences (SQLite has no
  SELECT ... FOR UPDATE, so every shared-counter mutation is an atomic
  guarded UPDATE, which the engine's concurrency model explicitly permits).

KEY TABLES:
  tenants, users:           Isolation boundary and the materialized balance
  ledger_entries:           Append-only gem ledger
  achievement_definitions:  Admin-authored unlock conditions
  achievement_unlocks:      Write-once unlock records
  rewards:                  Catalog with the claimed_count counter
  reward_redemptions:       Claim lifecycle rows
  tasks, checkins:          Externally-owned activity data, read-only to the
                            engine (seeded here only by tests and scenarios)

UNIQUENESS INVARIANTS (enforced by the schema, not application code):
  idx_ledger_source:   UNIQUE (tenant_id, source_type, source_id)
  idx_unlock_period:   UNIQUE (tenant_id, user_id, achievement_id, period_key)

GUARDED COUNTERS:
  users.gem_balance and rewards.claimed_count are mutated only through
  UPDATE ... WHERE <guard> statements whose RowsAffected distinguishes
  success from insufficient balance / out of stock. There is no
  read-then-write window anywhere.

CONCURRENCY:
  WAL mode plus a single pooled connection; a mutex serializes writers the
  same way the reference PostgreSQL deployment relies on row locks.

USAGE:
  store, err := sqlite.New(":memory:")
  engine := progression.New(store, store, logger)
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/progression-engine/progression"
)

// timeFormat is fixed-width so stored timestamps order lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

// dbtx abstracts *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements progression.Store and progression.ActivitySource.
type Store struct {
	db   *sql.DB
	q    dbtx
	mu   *sync.Mutex
	inTx bool
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One pooled connection keeps :memory: databases coherent and matches
	// SQLite's single-writer model.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: db, mu: &sync.Mutex{}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		gem_balance INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	-- Append-only gem ledger. No UPDATE, no DELETE, ever.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		description TEXT,
		created_at TEXT NOT NULL
	);

	-- The idempotence key. Replaying an event conflicts here.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_source
		ON ledger_entries(tenant_id, source_type, source_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_user
		ON ledger_entries(tenant_id, user_id, created_at);

	CREATE TABLE IF NOT EXISTS achievement_definitions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		trigger_value TEXT NOT NULL,
		period TEXT NOT NULL,
		points INTEGER NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_definitions_tenant_trigger
		ON achievement_definitions(tenant_id, trigger_type, active);

	CREATE TABLE IF NOT EXISTS achievement_unlocks (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		achievement_id TEXT NOT NULL,
		period_key TEXT NOT NULL,
		unlocked_at TEXT NOT NULL
	);

	-- At most one unlock per (user, achievement, period key).
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unlock_period
		ON achievement_unlocks(tenant_id, user_id, achievement_id, period_key);
	CREATE INDEX IF NOT EXISTS idx_unlocks_user
		ON achievement_unlocks(tenant_id, user_id, unlocked_at);

	CREATE TABLE IF NOT EXISTS rewards (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		cost INTEGER NOT NULL,
		stock_limit INTEGER NOT NULL DEFAULT -1,
		claimed_count INTEGER NOT NULL DEFAULT 0,
		max_claims_per_user INTEGER NOT NULL DEFAULT 0,
		is_available BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rewards_tenant
		ON rewards(tenant_id, is_available);

	CREATE TABLE IF NOT EXISTS reward_redemptions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		reward_id TEXT NOT NULL,
		gems_spent INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		claimed_at TEXT NOT NULL,
		delivered_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_redemptions_user
		ON reward_redemptions(tenant_id, user_id, claimed_at);
	CREATE INDEX IF NOT EXISTS idx_redemptions_reward
		ON reward_redemptions(tenant_id, user_id, reward_id, status);

	-- Externally-owned activity data. The engine only ever reads these.
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		urgent BOOLEAN NOT NULL DEFAULT FALSE,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_user
		ON tasks(tenant_id, user_id, completed, completed_at);

	CREATE TABLE IF NOT EXISTS checkins (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		energy REAL NOT NULL,
		checked_in_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkins_user
		ON checkins(tenant_id, user_id, checked_in_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn against a store view sharing one database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(progression.Store) error) error {
	if s.inTx {
		// Nested use composes into the surrounding transaction.
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	view := &Store{db: s.db, q: tx, mu: s.mu, inTx: true}
	if err := fn(view); err != nil {
		return err
	}
	return tx.Commit()
}

// lockWrites serializes standalone writes; transactional views already hold
// the mutex through WithTx.
func (s *Store) lockWrites() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func isUniqueConstraintError(err error, indexHint string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, indexHint)
}

// =============================================================================
// LEDGER STORE
// =============================================================================

// ApplyEntry inserts the ledger entry and adjusts the user's balance in one
// transaction. The entry insert hits the idempotence index first; the balance
// update is guarded so a debit can never take the balance negative.
func (s *Store) ApplyEntry(ctx context.Context, entry progression.LedgerEntry) error {
	if !s.inTx {
		return s.WithTx(ctx, func(tx progression.Store) error {
			return tx.ApplyEntry(ctx, entry)
		})
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, tenant_id, user_id, delta, source_type, source_id, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TenantID, entry.UserID, entry.Delta,
		entry.SourceType, entry.SourceID, entry.Description, formatTime(entry.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err, "ledger_entries") {
			return progression.ErrAlreadyApplied
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE users SET gem_balance = gem_balance + ?
		WHERE tenant_id = ? AND id = ? AND gem_balance + ? >= 0`,
		entry.Delta, entry.TenantID, entry.UserID, entry.Delta,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the user does not exist or the debit guard failed.
		var balance int64
		err := s.q.QueryRowContext(ctx,
			`SELECT gem_balance FROM users WHERE tenant_id = ? AND id = ?`,
			entry.TenantID, entry.UserID,
		).Scan(&balance)
		if err == sql.ErrNoRows {
			return progression.ErrUserNotFound
		}
		if err != nil {
			return err
		}
		return &progression.InsufficientBalanceError{
			TenantID:  entry.TenantID,
			UserID:    entry.UserID,
			Available: balance,
			Requested: -entry.Delta,
		}
	}
	return nil
}

// Entries returns the user's ledger, oldest first.
func (s *Store) Entries(ctx context.Context, tenant progression.TenantID, user progression.UserID) ([]progression.LedgerEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, delta, source_type, source_id, description, created_at
		FROM ledger_entries
		WHERE tenant_id = ? AND user_id = ?
		ORDER BY created_at ASC, rowid ASC`,
		tenant, user,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []progression.LedgerEntry
	for rows.Next() {
		var e progression.LedgerEntry
		var description sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.UserID, &e.Delta,
			&e.SourceType, &e.SourceID, &description, &createdAt); err != nil {
			return nil, err
		}
		e.Description = description.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SumPositiveDeltas sums credits in the window (the gems_earned metric).
func (s *Store) SumPositiveDeltas(ctx context.Context, tenant progression.TenantID, user progression.UserID, w progression.Window) (int64, error) {
	query := `
		SELECT COALESCE(SUM(delta), 0) FROM ledger_entries
		WHERE tenant_id = ? AND user_id = ? AND delta > 0 AND created_at < ?`
	args := []any{tenant, user, formatTime(w.To)}
	if !w.Unbounded() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(w.From))
	}

	var sum int64
	err := s.q.QueryRowContext(ctx, query, args...).Scan(&sum)
	return sum, err
}

// Balance returns the materialized gem balance.
func (s *Store) Balance(ctx context.Context, tenant progression.TenantID, user progression.UserID) (int64, error) {
	var balance int64
	err := s.q.QueryRowContext(ctx,
		`SELECT gem_balance FROM users WHERE tenant_id = ? AND id = ?`,
		tenant, user,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, progression.ErrUserNotFound
	}
	return balance, err
}

// =============================================================================
// ACHIEVEMENT STORE
// =============================================================================

func (s *Store) CreateDefinition(ctx context.Context, def progression.AchievementDefinition) error {
	unlock := s.lockWrites()
	defer unlock()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO achievement_definitions
		(id, tenant_id, name, trigger_type, trigger_value, period, points, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.TenantID, def.Name, def.TriggerType, def.TriggerValue.String(),
		def.Period, def.Points, def.Active, formatTime(def.CreatedAt), formatTime(def.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create definition: %w", err)
	}
	return nil
}

func (s *Store) UpdateDefinition(ctx context.Context, def progression.AchievementDefinition) error {
	unlock := s.lockWrites()
	defer unlock()

	res, err := s.q.ExecContext(ctx, `
		UPDATE achievement_definitions
		SET name = ?, trigger_type = ?, trigger_value = ?, period = ?, points = ?, active = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		def.Name, def.TriggerType, def.TriggerValue.String(), def.Period,
		def.Points, def.Active, formatTime(def.UpdatedAt), def.TenantID, def.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update definition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return progression.ErrAchievementNotFound
	}
	return nil
}

func (s *Store) GetDefinition(ctx context.Context, tenant progression.TenantID, id progression.AchievementID) (*progression.AchievementDefinition, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, trigger_type, trigger_value, period, points, active, created_at, updated_at
		FROM achievement_definitions WHERE tenant_id = ? AND id = ?`,
		tenant, id,
	)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, progression.ErrAchievementNotFound
	}
	if err != nil {
		return nil, err
	}
	return def, nil
}

func (s *Store) ListDefinitions(ctx context.Context, tenant progression.TenantID) ([]progression.AchievementDefinition, error) {
	return s.queryDefinitions(ctx, `
		SELECT id, tenant_id, name, trigger_type, trigger_value, period, points, active, created_at, updated_at
		FROM achievement_definitions WHERE tenant_id = ? ORDER BY created_at ASC`,
		tenant)
}

func (s *Store) ActiveDefinitionsByTrigger(ctx context.Context, tenant progression.TenantID, triggers []progression.TriggerType) ([]progression.AchievementDefinition, error) {
	if len(triggers) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(triggers))
	placeholders = placeholders[:len(placeholders)-1]

	args := []any{tenant}
	for _, t := range triggers {
		args = append(args, t)
	}
	return s.queryDefinitions(ctx, `
		SELECT id, tenant_id, name, trigger_type, trigger_value, period, points, active, created_at, updated_at
		FROM achievement_definitions
		WHERE tenant_id = ? AND active AND trigger_type IN (`+placeholders+`)
		ORDER BY created_at ASC`,
		args...)
}

func (s *Store) queryDefinitions(ctx context.Context, query string, args ...any) ([]progression.AchievementDefinition, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}
	defer rows.Close()

	var defs []progression.AchievementDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*progression.AchievementDefinition, error) {
	var def progression.AchievementDefinition
	var triggerValue, createdAt, updatedAt string
	err := row.Scan(&def.ID, &def.TenantID, &def.Name, &def.TriggerType,
		&triggerValue, &def.Period, &def.Points, &def.Active, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	def.TriggerValue, err = decimal.NewFromString(triggerValue)
	if err != nil {
		return nil, fmt.Errorf("malformed trigger value %q: %w", triggerValue, err)
	}
	def.CreatedAt = parseTime(createdAt)
	def.UpdatedAt = parseTime(updatedAt)
	return &def, nil
}

// InsertUnlock writes the unlock row. A uniqueness conflict means the unlock
// already exists for this period key; that is reported as (false, nil), not
// an error, because the caller treats it as an idempotent no-op.
func (s *Store) InsertUnlock(ctx context.Context, u progression.AchievementUnlock) (bool, error) {
	unlock := s.lockWrites()
	defer unlock()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO achievement_unlocks
		(id, tenant_id, user_id, achievement_id, period_key, unlocked_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.TenantID, u.UserID, u.AchievementID, u.PeriodKey, formatTime(u.UnlockedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err, "achievement_unlocks") {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert unlock: %w", err)
	}
	return true, nil
}

func (s *Store) HasUnlock(ctx context.Context, tenant progression.TenantID, user progression.UserID, achievement progression.AchievementID, periodKey string) (bool, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM achievement_unlocks
		WHERE tenant_id = ? AND user_id = ? AND achievement_id = ? AND period_key = ?`,
		tenant, user, achievement, periodKey,
	).Scan(&count)
	return count > 0, err
}

func (s *Store) UnlocksForUser(ctx context.Context, tenant progression.TenantID, user progression.UserID) ([]progression.AchievementUnlock, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, achievement_id, period_key, unlocked_at
		FROM achievement_unlocks
		WHERE tenant_id = ? AND user_id = ?
		ORDER BY unlocked_at DESC`,
		tenant, user,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unlocks: %w", err)
	}
	defer rows.Close()

	var unlocks []progression.AchievementUnlock
	for rows.Next() {
		var u progression.AchievementUnlock
		var unlockedAt string
		if err := rows.Scan(&u.ID, &u.TenantID, &u.UserID, &u.AchievementID, &u.PeriodKey, &unlockedAt); err != nil {
			return nil, err
		}
		u.UnlockedAt = parseTime(unlockedAt)
		unlocks = append(unlocks, u)
	}
	return unlocks, rows.Err()
}

// =============================================================================
// REWARD STORE
// =============================================================================

func (s *Store) CreateReward(ctx context.Context, r progression.Reward) error {
	unlock := s.lockWrites()
	defer unlock()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO rewards
		(id, tenant_id, title, description, cost, stock_limit, claimed_count, max_claims_per_user, is_available, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.Title, r.Description, r.Cost, r.StockLimit,
		r.ClaimedCount, r.MaxClaimsPerUser, r.IsAvailable, formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create reward: %w", err)
	}
	return nil
}

// UpdateReward updates catalog fields. claimed_count is deliberately
// excluded: it moves only through ClaimRewardStock / ReleaseRewardStock.
func (s *Store) UpdateReward(ctx context.Context, r progression.Reward) error {
	unlock := s.lockWrites()
	defer unlock()

	res, err := s.q.ExecContext(ctx, `
		UPDATE rewards
		SET title = ?, description = ?, cost = ?, stock_limit = ?, max_claims_per_user = ?, is_available = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		r.Title, r.Description, r.Cost, r.StockLimit, r.MaxClaimsPerUser,
		r.IsAvailable, formatTime(r.UpdatedAt), r.TenantID, r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update reward: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return progression.ErrRewardNotFound
	}
	return nil
}

func (s *Store) GetReward(ctx context.Context, tenant progression.TenantID, id progression.RewardID) (*progression.Reward, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, tenant_id, title, description, cost, stock_limit, claimed_count, max_claims_per_user, is_available, created_at, updated_at
		FROM rewards WHERE tenant_id = ? AND id = ?`,
		tenant, id,
	)
	r, err := scanReward(row)
	if err == sql.ErrNoRows {
		return nil, progression.ErrRewardNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) ListRewards(ctx context.Context, tenant progression.TenantID) ([]progression.Reward, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, tenant_id, title, description, cost, stock_limit, claimed_count, max_claims_per_user, is_available, created_at, updated_at
		FROM rewards WHERE tenant_id = ? ORDER BY created_at ASC`,
		tenant,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query rewards: %w", err)
	}
	defer rows.Close()

	var rewards []progression.Reward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		rewards = append(rewards, *r)
	}
	return rewards, rows.Err()
}

func scanReward(row rowScanner) (*progression.Reward, error) {
	var r progression.Reward
	var description sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.TenantID, &r.Title, &description, &r.Cost,
		&r.StockLimit, &r.ClaimedCount, &r.MaxClaimsPerUser, &r.IsAvailable, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.Description = description.String
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// ClaimRewardStock is the atomic increment-with-constraint-check that makes
// overselling impossible: the stock guard and the increment are one UPDATE.
func (s *Store) ClaimRewardStock(ctx context.Context, tenant progression.TenantID, id progression.RewardID) error {
	unlock := s.lockWrites()
	defer unlock()

	res, err := s.q.ExecContext(ctx, `
		UPDATE rewards SET claimed_count = claimed_count + 1
		WHERE tenant_id = ? AND id = ? AND (stock_limit = -1 OR claimed_count < stock_limit)`,
		tenant, id,
	)
	if err != nil {
		return fmt.Errorf("failed to claim stock: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var count int
		err := s.q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM rewards WHERE tenant_id = ? AND id = ?`, tenant, id,
		).Scan(&count)
		if err != nil {
			return err
		}
		if count == 0 {
			return progression.ErrRewardNotFound
		}
		return progression.ErrOutOfStock
	}
	return nil
}

// ReleaseRewardStock returns a unit on cancellation, never below zero.
func (s *Store) ReleaseRewardStock(ctx context.Context, tenant progression.TenantID, id progression.RewardID) error {
	unlock := s.lockWrites()
	defer unlock()

	_, err := s.q.ExecContext(ctx, `
		UPDATE rewards SET claimed_count = MAX(claimed_count - 1, 0)
		WHERE tenant_id = ? AND id = ?`,
		tenant, id,
	)
	if err != nil {
		return fmt.Errorf("failed to release stock: %w", err)
	}
	return nil
}

func (s *Store) InsertRedemption(ctx context.Context, r progression.RewardRedemption) error {
	unlock := s.lockWrites()
	defer unlock()

	var deliveredAt any
	if r.DeliveredAt != nil {
		deliveredAt = formatTime(*r.DeliveredAt)
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO reward_redemptions
		(id, tenant_id, user_id, reward_id, gems_spent, status, claimed_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.UserID, r.RewardID, r.GemsSpent, r.Status, formatTime(r.ClaimedAt), deliveredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert redemption: %w", err)
	}
	return nil
}

func (s *Store) GetRedemption(ctx context.Context, id progression.RedemptionID) (*progression.RewardRedemption, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, tenant_id, user_id, reward_id, gems_spent, status, claimed_at, delivered_at
		FROM reward_redemptions WHERE id = ?`,
		id,
	)
	r, err := scanRedemption(row)
	if err == sql.ErrNoRows {
		return nil, progression.ErrRedemptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) ListRedemptions(ctx context.Context, tenant progression.TenantID, user progression.UserID) ([]progression.RewardRedemption, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, reward_id, gems_spent, status, claimed_at, delivered_at
		FROM reward_redemptions
		WHERE tenant_id = ? AND user_id = ?
		ORDER BY claimed_at DESC`,
		tenant, user,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query redemptions: %w", err)
	}
	defer rows.Close()

	var redemptions []progression.RewardRedemption
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, err
		}
		redemptions = append(redemptions, *r)
	}
	return redemptions, rows.Err()
}

func scanRedemption(row rowScanner) (*progression.RewardRedemption, error) {
	var r progression.RewardRedemption
	var claimedAt string
	var deliveredAt sql.NullString
	err := row.Scan(&r.ID, &r.TenantID, &r.UserID, &r.RewardID, &r.GemsSpent,
		&r.Status, &claimedAt, &deliveredAt)
	if err != nil {
		return nil, err
	}
	r.ClaimedAt = parseTime(claimedAt)
	if deliveredAt.Valid {
		t := parseTime(deliveredAt.String)
		r.DeliveredAt = &t
	}
	return &r, nil
}

// CountRedemptions counts non-cancelled claims of a reward by a user.
func (s *Store) CountRedemptions(ctx context.Context, tenant progression.TenantID, user progression.UserID, reward progression.RewardID) (int64, error) {
	var count int64
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reward_redemptions
		WHERE tenant_id = ? AND user_id = ? AND reward_id = ? AND status != 'cancelled'`,
		tenant, user, reward,
	).Scan(&count)
	return count, err
}

// SetRedemptionStatus performs a guarded lifecycle transition; the expected
// current status is part of the WHERE clause so racing transitions lose.
func (s *Store) SetRedemptionStatus(ctx context.Context, id progression.RedemptionID, from, to progression.RedemptionStatus, at time.Time) error {
	unlock := s.lockWrites()
	defer unlock()

	var res sql.Result
	var err error
	if to == progression.RedemptionDelivered {
		res, err = s.q.ExecContext(ctx, `
			UPDATE reward_redemptions SET status = ?, delivered_at = ?
			WHERE id = ? AND status = ?`,
			to, formatTime(at), id, from,
		)
	} else {
		res, err = s.q.ExecContext(ctx, `
			UPDATE reward_redemptions SET status = ?
			WHERE id = ? AND status = ?`,
			to, id, from,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to transition redemption: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var count int
		if err := s.q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM reward_redemptions WHERE id = ?`, id,
		).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			return progression.ErrRedemptionNotFound
		}
		return progression.ErrRedemptionNotCancellable
	}
	return nil
}

// =============================================================================
// TENANT STORE
// =============================================================================

func (s *Store) CreateTenant(ctx context.Context, t progression.Tenant) error {
	unlock := s.lockWrites()
	defer unlock()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO tenants (id, name, timezone, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.Name, t.Timezone, formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id progression.TenantID) (*progression.Tenant, error) {
	var t progression.Tenant
	var createdAt string
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name, timezone, created_at FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.Timezone, &createdAt)
	if err == sql.ErrNoRows {
		return nil, progression.ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]progression.Tenant, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, name, timezone, created_at FROM tenants ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []progression.Tenant
	for rows.Next() {
		var t progression.Tenant
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Name, &t.Timezone, &createdAt); err != nil {
			return nil, err
		}
		t.CreatedAt = parseTime(createdAt)
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, u progression.User) error {
	unlock := s.lockWrites()
	defer unlock()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (id, tenant_id, name, gem_balance, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.TenantID, u.Name, u.GemBalance, formatTime(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, tenant progression.TenantID, id progression.UserID) (*progression.User, error) {
	var u progression.User
	var createdAt string
	err := s.q.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, gem_balance, created_at FROM users WHERE tenant_id = ? AND id = ?`,
		tenant, id,
	).Scan(&u.ID, &u.TenantID, &u.Name, &u.GemBalance, &createdAt)
	if err == sql.ErrNoRows {
		return nil, progression.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context, tenant progression.TenantID) ([]progression.User, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, tenant_id, name, gem_balance, created_at FROM users WHERE tenant_id = ? ORDER BY created_at ASC`,
		tenant,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []progression.User
	for rows.Next() {
		var u progression.User
		var createdAt string
		if err := rows.Scan(&u.ID, &u.TenantID, &u.Name, &u.GemBalance, &createdAt); err != nil {
			return nil, err
		}
		u.CreatedAt = parseTime(createdAt)
		users = append(users, u)
	}
	return users, rows.Err()
}

// =============================================================================
// ACTIVITY SOURCE (progression.ActivitySource)
// =============================================================================

// CompletedTaskCount counts completed tasks in the window.
func (s *Store) CompletedTaskCount(ctx context.Context, tenant progression.TenantID, user progression.UserID, w progression.Window) (int64, error) {
	return s.countTasks(ctx, tenant, user, w, false)
}

// UrgentTaskCount counts completed urgent tasks in the window.
func (s *Store) UrgentTaskCount(ctx context.Context, tenant progression.TenantID, user progression.UserID, w progression.Window) (int64, error) {
	return s.countTasks(ctx, tenant, user, w, true)
}

func (s *Store) countTasks(ctx context.Context, tenant progression.TenantID, user progression.UserID, w progression.Window, urgentOnly bool) (int64, error) {
	query := `
		SELECT COUNT(*) FROM tasks
		WHERE tenant_id = ? AND user_id = ? AND completed AND completed_at < ?`
	args := []any{tenant, user, formatTime(w.To)}
	if urgentOnly {
		query += ` AND urgent`
	}
	if !w.Unbounded() {
		query += ` AND completed_at >= ?`
		args = append(args, formatTime(w.From))
	}

	var count int64
	err := s.q.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

// CheckinCount counts check-ins in the window.
func (s *Store) CheckinCount(ctx context.Context, tenant progression.TenantID, user progression.UserID, w progression.Window) (int64, error) {
	query := `
		SELECT COUNT(*) FROM checkins
		WHERE tenant_id = ? AND user_id = ? AND checked_in_at < ?`
	args := []any{tenant, user, formatTime(w.To)}
	if !w.Unbounded() {
		query += ` AND checked_in_at >= ?`
		args = append(args, formatTime(w.From))
	}

	var count int64
	err := s.q.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

// AverageEnergy returns the mean check-in energy in the window; ok is false
// when there are no check-ins.
func (s *Store) AverageEnergy(ctx context.Context, tenant progression.TenantID, user progression.UserID, w progression.Window) (decimal.Decimal, bool, error) {
	query := `
		SELECT AVG(energy), COUNT(*) FROM checkins
		WHERE tenant_id = ? AND user_id = ? AND checked_in_at < ?`
	args := []any{tenant, user, formatTime(w.To)}
	if !w.Unbounded() {
		query += ` AND checked_in_at >= ?`
		args = append(args, formatTime(w.From))
	}

	var avg sql.NullFloat64
	var count int64
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&avg, &count); err != nil {
		return decimal.Zero, false, err
	}
	if count == 0 || !avg.Valid {
		return decimal.Zero, false, nil
	}
	return decimal.NewFromFloat(avg.Float64), true, nil
}

// CheckinDays returns the distinct calendar days (in loc) with a check-in at
// or before asOf, most recent first.
func (s *Store) CheckinDays(ctx context.Context, tenant progression.TenantID, user progression.UserID, asOf time.Time, loc *time.Location) ([]time.Time, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT checked_in_at FROM checkins
		WHERE tenant_id = ? AND user_id = ? AND checked_in_at <= ?
		ORDER BY checked_in_at DESC`,
		tenant, user, formatTime(asOf),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var days []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		local := parseTime(raw).In(loc)
		day := local.Format("2006-01-02")
		if seen[day] {
			continue
		}
		seen[day] = true
		days = append(days, time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(days, func(i, j int) bool { return days[i].After(days[j]) })
	return days, nil
}

// =============================================================================
// EXTERNAL-COLLABORATOR SEEDING
// =============================================================================
// The engine never writes tasks or checkins; these exist for the demo
// scenario loader and tests, standing in for the task/check-in services.

// SeedTask inserts a task record as the task service would.
func (s *Store) SeedTask(ctx context.Context, id string, tenant progression.TenantID, user progression.UserID, completed, urgent bool, completedAt time.Time) error {
	unlock := s.lockWrites()
	defer unlock()

	var at any
	if completed {
		at = formatTime(completedAt)
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO tasks (id, tenant_id, user_id, completed, urgent, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, tenant, user, completed, urgent, at,
	)
	return err
}

// SeedCheckin inserts a daily check-in record as the check-in service would.
func (s *Store) SeedCheckin(ctx context.Context, id string, tenant progression.TenantID, user progression.UserID, energy float64, at time.Time) error {
	unlock := s.lockWrites()
	defer unlock()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO checkins (id, tenant_id, user_id, energy, checked_in_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, tenant, user, energy, formatTime(at),
	)
	return err
}

// Compile-time interface checks.
var (
	_ progression.Store          = (*Store)(nil)
	_ progression.ActivitySource = (*Store)(nil)
)
