package account

import "time"

// SelectionResult is the outcome of one Select call. Account is nil
// when no account is available; NewIndex is the pool cursor to adopt.
type SelectionResult struct {
	Account  *Account
	NewIndex int
}

// WaitDecision says whether the caller should wait for a cooldown to
// expire instead of failing.
type WaitDecision struct {
	ShouldWait bool
	WaitMs     int64
}

// Select picks the account to serve a request for model at time now.
//
// The current cursor account is preferred while it stays inside the
// sticky window — reusing it keeps the upstream session cache (keyed
// by the derived session id) warm. Outside the window the least
// recently used available account wins, ties broken by pool order,
// never-used accounts first.
//
// Select mutates nothing; the dispatcher adopts NewIndex and touches
// lastUsed only after a successful upstream call.
func Select(pool *Pool, model string, now time.Time, stickyWindowMs int64) SelectionResult {
	ClearExpired(pool, now)

	available := AvailableAccounts(pool, model, now)
	if len(available) == 0 {
		return SelectionResult{Account: nil, NewIndex: pool.ActiveIndex}
	}

	nowMs := now.UnixMilli()

	// Sticky rule: keep the cursor account while it is available and
	// was used within the sticky window.
	if pool.ActiveIndex >= 0 && pool.ActiveIndex < len(pool.Accounts) {
		current := pool.Accounts[pool.ActiveIndex]
		if IsUsable(current, model, now) &&
			current.LastUsed != nil && nowMs-*current.LastUsed < stickyWindowMs {
			return SelectionResult{Account: current, NewIndex: pool.ActiveIndex}
		}
	}

	// Least recently used among the available accounts; a nil lastUsed
	// counts as never used and sorts first.
	var best *Account
	bestIndex := pool.ActiveIndex
	for i, acc := range pool.Accounts {
		if !IsUsable(acc, model, now) {
			continue
		}
		if best == nil || olderUse(acc, best) {
			best = acc
			bestIndex = i
		}
	}
	return SelectionResult{Account: best, NewIndex: bestIndex}
}

// olderUse reports whether a was used strictly longer ago than b.
func olderUse(a, b *Account) bool {
	if a.LastUsed == nil {
		return b.LastUsed != nil
	}
	if b.LastUsed == nil {
		return false
	}
	return *a.LastUsed < *b.LastUsed
}

// ShouldWait decides whether the dispatcher may sleep until a cooldown
// expires. Waiting only makes sense when every account is unavailable
// purely because of rate limits; an invalid account cannot be waited
// for.
func ShouldWait(pool *Pool, model string, now time.Time) WaitDecision {
	if len(pool.Accounts) == 0 {
		return WaitDecision{}
	}
	if len(AvailableAccounts(pool, model, now)) > 0 {
		return WaitDecision{}
	}
	for _, acc := range pool.Accounts {
		if acc.IsInvalid {
			return WaitDecision{}
		}
	}
	return WaitDecision{ShouldWait: true, WaitMs: MinWaitMs(pool, model, now)}
}
