// Package activity provides in-memory activity-data fixtures.
//
// The progression engine reads task and check-in records through the
// read-only progression.ActivitySource interface; in production that is the
// SQLite store over externally-owned tables. Memory is the test/dev
// implementation: unit tests seed it directly and can inject failures to
// exercise the transient-error path.
package activity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/progression-engine/progression"
)

// =============================================================================
// MEMORY SOURCE - In-memory ActivitySource (for testing/dev)
// =============================================================================

type task struct {
	tenant      progression.TenantID
	user        progression.UserID
	urgent      bool
	completedAt time.Time
}

type checkin struct {
	tenant progression.TenantID
	user   progression.UserID
	energy float64
	at     time.Time
}

// Memory holds seeded activity records. Safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	tasks    []task
	checkins []checkin

	// Err, when set, is returned by every query. Simulates the metric data
	// source being unavailable.
	Err error
}

func NewMemory() *Memory {
	return &Memory{}
}

// AddCompletedTask seeds one completed task.
func (m *Memory) AddCompletedTask(tenant progression.TenantID, user progression.UserID, urgent bool, completedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task{tenant: tenant, user: user, urgent: urgent, completedAt: completedAt})
}

// AddCheckin seeds one daily check-in.
func (m *Memory) AddCheckin(tenant progression.TenantID, user progression.UserID, energy float64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkins = append(m.checkins, checkin{tenant: tenant, user: user, energy: energy, at: at})
}

// Fail makes every subsequent query return err. Pass nil to recover.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

func (m *Memory) CompletedTaskCount(_ context.Context, tenant progression.TenantID, user progression.UserID, w progression.Window) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return 0, m.Err
	}
	var n int64
	for _, t := range m.tasks {
		if t.tenant == tenant && t.user == user && w.Contains(t.completedAt) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) UrgentTaskCount(_ context.Context, tenant progression.TenantID, user progression.UserID, w progression.Window) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return 0, m.Err
	}
	var n int64
	for _, t := range m.tasks {
		if t.tenant == tenant && t.user == user && t.urgent && w.Contains(t.completedAt) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CheckinCount(_ context.Context, tenant progression.TenantID, user progression.UserID, w progression.Window) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return 0, m.Err
	}
	var n int64
	for _, c := range m.checkins {
		if c.tenant == tenant && c.user == user && w.Contains(c.at) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) AverageEnergy(_ context.Context, tenant progression.TenantID, user progression.UserID, w progression.Window) (decimal.Decimal, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return decimal.Zero, false, m.Err
	}
	sum := decimal.Zero
	var n int64
	for _, c := range m.checkins {
		if c.tenant == tenant && c.user == user && w.Contains(c.at) {
			sum = sum.Add(decimal.NewFromFloat(c.energy))
			n++
		}
	}
	if n == 0 {
		return decimal.Zero, false, nil
	}
	return sum.Div(decimal.NewFromInt(n)), true, nil
}

func (m *Memory) CheckinDays(_ context.Context, tenant progression.TenantID, user progression.UserID, asOf time.Time, loc *time.Location) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	seen := make(map[string]time.Time)
	for _, c := range m.checkins {
		if c.tenant != tenant || c.user != user || c.at.After(asOf) {
			continue
		}
		local := c.at.In(loc)
		day := local.Format("2006-01-02")
		if _, ok := seen[day]; !ok {
			seen[day] = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		}
	}
	days := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		days = append(days, d)
	}
	// Most recent first, matching the sqlite implementation.
	sort.Slice(days, func(i, j int) bool { return days[i].After(days[j]) })
	return days, nil
}

var _ progression.ActivitySource = (*Memory)(nil)
