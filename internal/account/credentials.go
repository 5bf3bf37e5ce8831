package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/clock"
	apperrors "github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/errors"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/utils"
)

// TokenRefresher exchanges an OAuth refresh token for an access token.
// Implementations must return AuthInvalidError for revoked grants and
// AuthNetworkError for transport failures so the resolver can tell the
// two apart.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error)
}

// RefreshResult is the outcome of a successful token refresh.
type RefreshResult struct {
	AccessToken string
	ExpiresIn   int64
}

// DatabaseAuthReader reads the credential of the locally installed
// Antigravity desktop app. Used only for source=database accounts.
type DatabaseAuthReader interface {
	Read(ctx context.Context) (*DatabaseAuth, error)
}

// DatabaseAuth is the credential extracted from the desktop app.
type DatabaseAuth struct {
	APIKey string
	Email  string
	Name   string
}

// ProjectDiscoverer resolves the Cloud Code project id for a token via
// the loadCodeAssist endpoints.
type ProjectDiscoverer interface {
	DiscoverProject(ctx context.Context, token string) (string, error)
}

type cachedToken struct {
	token       string
	extractedAt time.Time
}

// Resolver produces bearer tokens and project ids for accounts,
// memoizing both per email. Token entries live for the refresh
// interval (5 minutes); project entries live until a credential error
// clears them. Concurrent requests for the same email coalesce into a
// single refresh or discovery call.
type Resolver struct {
	mu           sync.Mutex
	tokenCache   map[string]cachedToken
	projectCache map[string]string

	tokenFlight   singleflight.Group
	projectFlight singleflight.Group

	refresher TokenRefresher
	dbReader  DatabaseAuthReader
	discover  ProjectDiscoverer
	manager   *Manager
	clk       clock.Clock
	log       *utils.Logger

	tokenTTL         time.Duration
	defaultProjectID string
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	Refresher        TokenRefresher
	DBReader         DatabaseAuthReader
	Discoverer       ProjectDiscoverer
	Manager          *Manager
	Clock            clock.Clock
	Logger           *utils.Logger
	TokenTTL         time.Duration
	DefaultProjectID string
}

// NewResolver creates a Resolver.
func NewResolver(opts ResolverOptions) *Resolver {
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = utils.Default()
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 5 * time.Minute
	}
	return &Resolver{
		tokenCache:       make(map[string]cachedToken),
		projectCache:     make(map[string]string),
		refresher:        opts.Refresher,
		dbReader:         opts.DBReader,
		discover:         opts.Discoverer,
		manager:          opts.Manager,
		clk:              opts.Clock,
		log:              opts.Logger,
		tokenTTL:         opts.TokenTTL,
		defaultProjectID: opts.DefaultProjectID,
	}
}

// GetToken returns a bearer token usable for one upstream call.
//
// manual accounts use their API key directly; database accounts read
// the desktop app credential; oauth accounts go through the cache and,
// when stale, a single-flighted refresh.
func (r *Resolver) GetToken(ctx context.Context, acc *Account) (string, error) {
	if acc == nil {
		return "", fmt.Errorf("account is nil")
	}

	switch acc.Source {
	case SourceManual:
		if acc.APIKey == "" {
			return "", apperrors.NewAuthInvalidError(acc.Email, "manual account has no API key")
		}
		return acc.APIKey, nil

	case SourceDatabase:
		return r.databaseToken(ctx, acc)

	case SourceOAuth:
		return r.oauthToken(ctx, acc)

	default:
		return "", apperrors.NewAuthInvalidError(acc.Email, fmt.Sprintf("unknown account source %q", acc.Source))
	}
}

func (r *Resolver) databaseToken(ctx context.Context, acc *Account) (string, error) {
	if cached, ok := r.freshToken(acc.Email); ok {
		return cached, nil
	}
	if r.dbReader == nil {
		return "", apperrors.NewAuthInvalidError(acc.Email, "no database reader configured")
	}
	auth, err := r.dbReader.Read(ctx)
	if err != nil {
		return "", apperrors.NewAuthNetworkError(err)
	}
	if auth == nil || auth.APIKey == "" {
		return "", apperrors.NewAuthInvalidError(acc.Email, "desktop app database has no credential")
	}
	r.storeToken(acc.Email, auth.APIKey)
	return auth.APIKey, nil
}

func (r *Resolver) oauthToken(ctx context.Context, acc *Account) (string, error) {
	if cached, ok := r.freshToken(acc.Email); ok {
		return cached, nil
	}
	if acc.RefreshToken == "" {
		return "", apperrors.NewAuthInvalidError(acc.Email, "oauth account has no refresh token")
	}

	// Coalesce concurrent refreshes for the same email. The winner
	// performs the HTTP exchange; everyone shares its result.
	v, err, _ := r.tokenFlight.Do(acc.Email, func() (interface{}, error) {
		// Re-check inside the flight: a racing caller may have
		// populated the cache between our check and Do.
		if cached, ok := r.freshToken(acc.Email); ok {
			return cached, nil
		}

		result, err := r.refresher.Refresh(ctx, acc.RefreshToken)
		if err != nil {
			return nil, r.classifyRefreshError(acc.Email, err)
		}

		r.storeToken(acc.Email, result.AccessToken)
		if r.manager != nil {
			// A working refresh proves the credential is good again.
			r.manager.ClearInvalid(acc.Email)
		}
		r.log.Success("[Resolver] Refreshed OAuth token for %s", utils.MaskEmail(acc.Email))
		return result.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// classifyRefreshError turns a refresh failure into AuthNetwork (do
// not penalise) or AuthInvalid (mark the account invalid).
func (r *Resolver) classifyRefreshError(email string, err error) error {
	if apperrors.IsAuthNetwork(err) || apperrors.LooksLikeNetworkError(err) {
		r.log.Warn("[Resolver] Token refresh network error for %s: %v", utils.MaskEmail(email), err)
		if apperrors.IsAuthNetwork(err) {
			return err
		}
		return apperrors.NewAuthNetworkError(err)
	}

	reason := err.Error()
	if r.manager != nil {
		r.manager.MarkInvalid(email, reason)
	}
	if apperrors.IsAuthInvalid(err) {
		return err
	}
	return apperrors.NewAuthInvalidError(email, reason)
}

// GetProject returns the Cloud Code project id for the account,
// preferring the cache, then the account's own projectId, then
// endpoint discovery, and finally the configured default.
func (r *Resolver) GetProject(ctx context.Context, acc *Account, token string) (string, error) {
	r.mu.Lock()
	if cached, ok := r.projectCache[acc.Email]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	if acc.ProjectID != "" {
		r.storeProject(acc.Email, acc.ProjectID)
		return acc.ProjectID, nil
	}

	v, err, _ := r.projectFlight.Do(acc.Email, func() (interface{}, error) {
		r.mu.Lock()
		if cached, ok := r.projectCache[acc.Email]; ok {
			r.mu.Unlock()
			return cached, nil
		}
		r.mu.Unlock()

		projectID := r.defaultProjectID
		if r.discover != nil {
			discovered, err := r.discover.DiscoverProject(ctx, token)
			if err != nil {
				// The default is served uncached so the next request
				// retries discovery instead of pinning it.
				r.log.Warn("[Resolver] Project discovery failed for %s, using default: %v",
					utils.MaskEmail(acc.Email), err)
				return projectID, nil
			}
			if discovered != "" {
				projectID = discovered
			}
		}

		r.storeProject(acc.Email, projectID)
		return projectID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Clear drops the cached token and project for email; an empty email
// clears everything. Called by the dispatcher on auth failures.
func (r *Resolver) Clear(email string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if email == "" {
		r.tokenCache = make(map[string]cachedToken)
		r.projectCache = make(map[string]string)
		return
	}
	delete(r.tokenCache, email)
	delete(r.projectCache, email)
}

func (r *Resolver) freshToken(email string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.tokenCache[email]
	if !ok {
		return "", false
	}
	if r.clk.Now().Sub(entry.extractedAt) >= r.tokenTTL {
		return "", false
	}
	return entry.token, true
}

func (r *Resolver) storeToken(email, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokenCache[email] = cachedToken{token: token, extractedAt: r.clk.Now()}
}

func (r *Resolver) storeProject(email, projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projectCache[email] = projectID
}
