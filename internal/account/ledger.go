package account

import "time"

// The ledger is the set of pure operations over the pool's rate-limit
// and invalidity state. It never reads the wall clock itself; callers
// pass now explicitly, which keeps every operation deterministic under
// test.

// IsUsable reports whether an account can serve a request for model at
// time now. Invalid accounts are never usable. An empty model only
// filters on invalidity.
func IsUsable(acc *Account, model string, now time.Time) bool {
	if acc == nil || acc.IsInvalid {
		return false
	}
	if model == "" {
		return true
	}
	if limit, ok := acc.ModelRateLimits[model]; ok {
		if limit.IsRateLimited && limit.ResetTime != nil && *limit.ResetTime > now.UnixMilli() {
			return false
		}
	}
	return true
}

// AvailableAccounts returns the accounts usable for model at now, in
// pool order.
func AvailableAccounts(pool *Pool, model string, now time.Time) []*Account {
	available := make([]*Account, 0, len(pool.Accounts))
	for _, acc := range pool.Accounts {
		if IsUsable(acc, model, now) {
			available = append(available, acc)
		}
	}
	return available
}

// IsAllRateLimited reports whether every account is unavailable for
// model and at least one of them is only cooling down (as opposed to
// invalid). An empty pool reports true.
func IsAllRateLimited(pool *Pool, model string, now time.Time) bool {
	if len(pool.Accounts) == 0 {
		return true
	}
	if model == "" {
		return false
	}
	nowMs := now.UnixMilli()
	for _, acc := range pool.Accounts {
		if acc.IsInvalid {
			continue
		}
		limit, ok := acc.ModelRateLimits[model]
		if !ok || !limit.IsRateLimited || limit.ResetTime == nil || *limit.ResetTime <= nowMs {
			return false
		}
	}
	return true
}

// ClearExpired resets every rate-limit entry whose reset instant has
// passed. Returns the number of entries cleared. Idempotent.
func ClearExpired(pool *Pool, now time.Time) int {
	nowMs := now.UnixMilli()
	cleared := 0
	for _, acc := range pool.Accounts {
		for model, limit := range acc.ModelRateLimits {
			if limit.IsRateLimited && (limit.ResetTime == nil || *limit.ResetTime <= nowMs) {
				acc.ModelRateLimits[model] = ModelRateLimit{}
				cleared++
			}
		}
	}
	return cleared
}

// MarkRateLimited puts the (email, model) pair on cooldown until
// now + resetMs, falling back to the pool's cooldown duration when
// resetMs is nil. Returns false without touching the pool when the
// email is unknown or the model id is empty; rate limits are always
// scoped to a model and an empty id would silently create a bucket no
// selection ever consults.
func MarkRateLimited(pool *Pool, email string, resetMs *int64, model string, now time.Time) bool {
	if model == "" {
		return false
	}
	acc := pool.FindAccount(email)
	if acc == nil {
		return false
	}

	cooldown := pool.Settings.CooldownDurationMs
	if resetMs != nil && *resetMs > 0 {
		cooldown = *resetMs
	}
	if cooldown <= 0 {
		cooldown = 60000
	}

	resetAt := now.UnixMilli() + cooldown
	if acc.ModelRateLimits == nil {
		acc.ModelRateLimits = make(map[string]ModelRateLimit)
	}
	acc.ModelRateLimits[model] = ModelRateLimit{IsRateLimited: true, ResetTime: &resetAt}
	return true
}

// MarkInvalid flags the account as needing re-authentication.
// Idempotent; returns false for unknown emails.
func MarkInvalid(pool *Pool, email, reason string, now time.Time) bool {
	acc := pool.FindAccount(email)
	if acc == nil {
		return false
	}
	nowMs := now.UnixMilli()
	acc.IsInvalid = true
	acc.InvalidReason = &reason
	acc.InvalidAt = &nowMs
	return true
}

// ClearInvalid removes the invalid flag after a successful token
// refresh. Returns false for unknown emails.
func ClearInvalid(pool *Pool, email string) bool {
	acc := pool.FindAccount(email)
	if acc == nil {
		return false
	}
	acc.IsInvalid = false
	acc.InvalidReason = nil
	acc.InvalidAt = nil
	return true
}

// TouchLastUsed records a successful use of the account at now.
func TouchLastUsed(pool *Pool, email string, now time.Time) bool {
	acc := pool.FindAccount(email)
	if acc == nil {
		return false
	}
	nowMs := now.UnixMilli()
	acc.LastUsed = &nowMs
	return true
}

// MinWaitMs returns the shortest remaining cooldown across the
// rate-limited entries for model, floored at zero. When no entry
// carries a usable reset instant it falls back to the pool's cooldown
// duration.
func MinWaitMs(pool *Pool, model string, now time.Time) int64 {
	nowMs := now.UnixMilli()
	var minWait int64 = -1
	for _, acc := range pool.Accounts {
		if acc.IsInvalid {
			continue
		}
		limit, ok := acc.ModelRateLimits[model]
		if !ok || !limit.IsRateLimited || limit.ResetTime == nil {
			continue
		}
		wait := *limit.ResetTime - nowMs
		if wait < 0 {
			wait = 0
		}
		if minWait < 0 || wait < minWait {
			minWait = wait
		}
	}
	if minWait < 0 {
		return pool.Settings.CooldownDurationMs
	}
	return minWait
}
