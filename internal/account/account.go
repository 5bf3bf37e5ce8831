// Package account implements the account pool: per-model rate-limit
// bookkeeping, sticky selection with fail-over, and credential
// resolution with cached tokens and project ids.
package account

// Source identifies where an account's credential comes from.
const (
	SourceOAuth    = "oauth"
	SourceDatabase = "database"
	SourceManual   = "manual"
)

// ModelRateLimit is the cooldown state for one (account, model) pair.
// ResetTime is an absolute wall-clock instant in Unix milliseconds,
// never a duration.
type ModelRateLimit struct {
	IsRateLimited bool   `json:"isRateLimited"`
	ResetTime     *int64 `json:"resetTime"`
}

// Account is one credentialed Google identity.
type Account struct {
	Email        string `json:"email"`
	Source       string `json:"source"`
	RefreshToken string `json:"refreshToken,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`

	AddedAt  int64  `json:"addedAt"`
	LastUsed *int64 `json:"lastUsed"`

	IsInvalid     bool    `json:"isInvalid,omitempty"`
	InvalidReason *string `json:"invalidReason,omitempty"`
	InvalidAt     *int64  `json:"invalidAt,omitempty"`

	ModelRateLimits map[string]ModelRateLimit `json:"modelRateLimits"`
}

// Clone returns a deep copy safe to use outside the pool mutex.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.LastUsed != nil {
		v := *a.LastUsed
		cp.LastUsed = &v
	}
	if a.InvalidReason != nil {
		v := *a.InvalidReason
		cp.InvalidReason = &v
	}
	if a.InvalidAt != nil {
		v := *a.InvalidAt
		cp.InvalidAt = &v
	}
	cp.ModelRateLimits = make(map[string]ModelRateLimit, len(a.ModelRateLimits))
	for model, limit := range a.ModelRateLimits {
		if limit.ResetTime != nil {
			v := *limit.ResetTime
			limit.ResetTime = &v
		}
		cp.ModelRateLimits[model] = limit
	}
	return &cp
}

// Settings are the pool-level knobs persisted alongside the accounts.
type Settings struct {
	CooldownDurationMs int64 `json:"cooldownDurationMs"`
	MaxRetries         int   `json:"maxRetries"`
}

// Pool is the ordered account list plus the round-robin cursor.
type Pool struct {
	Accounts    []*Account `json:"accounts"`
	Settings    Settings   `json:"settings"`
	ActiveIndex int        `json:"activeIndex"`
}

// NewPool returns an empty pool with default settings.
func NewPool() *Pool {
	return &Pool{
		Accounts: []*Account{},
		Settings: Settings{CooldownDurationMs: 60000, MaxRetries: 5},
	}
}

// Normalize repairs a freshly loaded pool: nil maps become empty and
// the cursor is clamped into range.
func (p *Pool) Normalize() {
	for _, acc := range p.Accounts {
		if acc.ModelRateLimits == nil {
			acc.ModelRateLimits = make(map[string]ModelRateLimit)
		}
	}
	if p.ActiveIndex < 0 || p.ActiveIndex >= len(p.Accounts) {
		p.ActiveIndex = 0
	}
	if p.Settings.CooldownDurationMs <= 0 {
		p.Settings.CooldownDurationMs = 60000
	}
	if p.Settings.MaxRetries <= 0 {
		p.Settings.MaxRetries = 5
	}
}

// FindAccount returns the account with the given email, or nil.
func (p *Pool) FindAccount(email string) *Account {
	for _, acc := range p.Accounts {
		if acc.Email == email {
			return acc
		}
	}
	return nil
}

// Clone returns a deep copy of the pool.
func (p *Pool) Clone() *Pool {
	cp := &Pool{
		Accounts:    make([]*Account, len(p.Accounts)),
		Settings:    p.Settings,
		ActiveIndex: p.ActiveIndex,
	}
	for i, acc := range p.Accounts {
		cp.Accounts[i] = acc.Clone()
	}
	return cp
}
