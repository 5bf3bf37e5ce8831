package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/clock"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/utils"
)

// Manager owns the account pool. A single coarse mutex covers the pool
// and the active index; critical sections are short and the mutex is
// never held across I/O. Persistence goes through the injected Store.
type Manager struct {
	mu    sync.Mutex
	pool  *Pool
	store Store
	clk   clock.Clock
	log   *utils.Logger

	stickyWindowMs int64
}

// NewManager creates a Manager. The pool is empty until Initialize.
func NewManager(store Store, clk clock.Clock, stickyWindowMs int64, log *utils.Logger) *Manager {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = utils.Default()
	}
	if stickyWindowMs <= 0 {
		stickyWindowMs = 60000
	}
	return &Manager{
		pool:           NewPool(),
		store:          store,
		clk:            clk,
		log:            log,
		stickyWindowMs: stickyWindowMs,
	}
}

// Initialize loads the pool from the store and clears stale cooldowns.
func (m *Manager) Initialize(ctx context.Context) error {
	pool, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	m.mu.Lock()
	m.pool = pool
	cleared := ClearExpired(m.pool, m.clk.Now())
	m.mu.Unlock()

	if cleared > 0 {
		m.log.Info("[AccountManager] Cleared %d expired rate limit(s) at startup", cleared)
	}
	return nil
}

// Count returns the number of accounts.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pool.Accounts)
}

// Settings returns the pool-level settings.
func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.Settings
}

// Select picks an account for model and adopts the new cursor. The
// returned account is a deep copy; callers report outcomes back
// through MarkRateLimited / MarkInvalid / TouchLastUsed.
func (m *Manager) Select(model string) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := Select(m.pool, model, m.clk.Now(), m.stickyWindowMs)
	if result.Account == nil {
		return nil
	}
	m.pool.ActiveIndex = result.NewIndex
	return result.Account.Clone()
}

// ShouldWait reports whether all accounts are merely cooling down, and
// for how long.
func (m *Manager) ShouldWait(model string) WaitDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ShouldWait(m.pool, model, m.clk.Now())
}

// IsAllRateLimited reports whether every account is cooling down for
// model.
func (m *Manager) IsAllRateLimited(model string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return IsAllRateLimited(m.pool, model, m.clk.Now())
}

// ClearExpired resets expired cooldowns and persists if anything
// changed.
func (m *Manager) ClearExpired() int {
	m.mu.Lock()
	cleared := ClearExpired(m.pool, m.clk.Now())
	m.mu.Unlock()

	if cleared > 0 {
		m.saveAsync()
	}
	return cleared
}

// MarkRateLimited puts (email, model) on cooldown and persists.
func (m *Manager) MarkRateLimited(email string, resetMs *int64, model string) bool {
	m.mu.Lock()
	now := m.clk.Now()
	ok := MarkRateLimited(m.pool, email, resetMs, model, now)
	var until int64
	if ok {
		if limit, found := m.pool.FindAccount(email).ModelRateLimits[model]; found && limit.ResetTime != nil {
			until = *limit.ResetTime - now.UnixMilli()
		}
	}
	m.mu.Unlock()

	if !ok {
		m.log.Warn("[AccountManager] MarkRateLimited ignored for %q model %q", utils.MaskEmail(email), model)
		return false
	}
	m.log.Warn("[AccountManager] Rate limited: %s (model: %s), available in %s",
		utils.MaskEmail(email), model, utils.FormatDuration(until))
	m.saveAsync()
	return true
}

// MarkInvalid flags an account as needing re-authentication and
// persists.
func (m *Manager) MarkInvalid(email, reason string) bool {
	m.mu.Lock()
	ok := MarkInvalid(m.pool, email, reason, m.clk.Now())
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.log.Error("[AccountManager] Account invalid: %s (%s)", utils.MaskEmail(email), reason)
	m.saveAsync()
	return true
}

// ClearInvalid removes the invalid flag after a successful refresh and
// persists.
func (m *Manager) ClearInvalid(email string) bool {
	m.mu.Lock()
	ok := ClearInvalid(m.pool, email)
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.log.Success("[AccountManager] Account restored: %s", utils.MaskEmail(email))
	m.saveAsync()
	return true
}

// TouchLastUsed records a successful use and persists.
func (m *Manager) TouchLastUsed(email string) {
	m.mu.Lock()
	ok := TouchLastUsed(m.pool, email, m.clk.Now())
	m.mu.Unlock()

	if ok {
		m.saveAsync()
	}
}

// Snapshot returns a deep copy of the pool for read-only inspection.
func (m *Manager) Snapshot() *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.Clone()
}

// Status summarizes the pool for the health endpoint.
type Status struct {
	Total       int    `json:"total"`
	Available   int    `json:"available"`
	RateLimited int    `json:"rateLimited"`
	Invalid     int    `json:"invalid"`
	Summary     string `json:"summary"`
}

// GetStatus computes the pool summary.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	nowMs := now.UnixMilli()

	st := Status{Total: len(m.pool.Accounts)}
	for _, acc := range m.pool.Accounts {
		if acc.IsInvalid {
			st.Invalid++
			continue
		}
		limited := false
		for _, limit := range acc.ModelRateLimits {
			if limit.IsRateLimited && limit.ResetTime != nil && *limit.ResetTime > nowMs {
				limited = true
				break
			}
		}
		if limited {
			st.RateLimited++
		} else {
			st.Available++
		}
	}
	st.Summary = fmt.Sprintf("%d total, %d available, %d rate-limited, %d invalid",
		st.Total, st.Available, st.RateLimited, st.Invalid)
	return st
}

// Save persists the pool synchronously.
func (m *Manager) Save(ctx context.Context) error {
	m.mu.Lock()
	snapshot := m.pool.Clone()
	m.mu.Unlock()
	return m.store.Save(ctx, snapshot)
}

// saveAsync persists in the background; persistence failures are
// logged, not propagated, because in-memory state remains correct.
func (m *Manager) saveAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.Save(ctx); err != nil {
			m.log.Error("[AccountManager] Failed to persist pool: %v", err)
		}
	}()
}
