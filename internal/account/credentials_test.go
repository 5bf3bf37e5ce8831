package account

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/clock"
	apperrors "github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/errors"
)

type fakeRefresher struct {
	calls   int32
	refresh func(refreshToken string) (*RefreshResult, error)
}

func (f *fakeRefresher) Refresh(_ context.Context, refreshToken string) (*RefreshResult, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.refresh(refreshToken)
}

type fakeDBReader struct {
	auth *DatabaseAuth
	err  error
}

func (f *fakeDBReader) Read(context.Context) (*DatabaseAuth, error) {
	return f.auth, f.err
}

type fakeDiscoverer struct {
	calls   int32
	project string
	err     error
}

func (f *fakeDiscoverer) DiscoverProject(context.Context, string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.project, f.err
}

func newTestResolver(t *testing.T, opts ResolverOptions) (*Resolver, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.UnixMilli(80_000_000))
	opts.Clock = clk
	if opts.DefaultProjectID == "" {
		opts.DefaultProjectID = "default-project"
	}
	return NewResolver(opts), clk
}

func TestGetTokenManual(t *testing.T) {
	r, _ := newTestResolver(t, ResolverOptions{})

	token, err := r.GetToken(context.Background(), &Account{
		Email: "m@x.com", Source: SourceManual, APIKey: "key-123",
	})
	require.NoError(t, err)
	require.Equal(t, "key-123", token)

	_, err = r.GetToken(context.Background(), &Account{Email: "m@x.com", Source: SourceManual})
	require.True(t, apperrors.IsAuthInvalid(err))
}

func TestGetTokenDatabase(t *testing.T) {
	t.Run("reads and caches the desktop credential", func(t *testing.T) {
		r, _ := newTestResolver(t, ResolverOptions{
			DBReader: &fakeDBReader{auth: &DatabaseAuth{APIKey: "db-key", Email: "d@x.com"}},
		})
		acc := &Account{Email: "d@x.com", Source: SourceDatabase}

		token, err := r.GetToken(context.Background(), acc)
		require.NoError(t, err)
		require.Equal(t, "db-key", token)
	})

	t.Run("empty database is an auth failure", func(t *testing.T) {
		r, _ := newTestResolver(t, ResolverOptions{DBReader: &fakeDBReader{auth: &DatabaseAuth{}}})
		_, err := r.GetToken(context.Background(), &Account{Email: "d@x.com", Source: SourceDatabase})
		require.True(t, apperrors.IsAuthInvalid(err))
	})

	t.Run("read failure is a network error", func(t *testing.T) {
		r, _ := newTestResolver(t, ResolverOptions{DBReader: &fakeDBReader{err: errors.New("locked")}})
		_, err := r.GetToken(context.Background(), &Account{Email: "d@x.com", Source: SourceDatabase})
		require.True(t, apperrors.IsAuthNetwork(err))
	})
}

func TestGetTokenOAuth(t *testing.T) {
	acc := &Account{Email: "o@x.com", Source: SourceOAuth, RefreshToken: "rt"}

	t.Run("refreshes then serves from cache until TTL", func(t *testing.T) {
		refresher := &fakeRefresher{refresh: func(string) (*RefreshResult, error) {
			return &RefreshResult{AccessToken: "at-1", ExpiresIn: 3600}, nil
		}}
		r, clk := newTestResolver(t, ResolverOptions{Refresher: refresher})

		token, err := r.GetToken(context.Background(), acc)
		require.NoError(t, err)
		require.Equal(t, "at-1", token)

		token, err = r.GetToken(context.Background(), acc)
		require.NoError(t, err)
		require.Equal(t, "at-1", token)
		require.Equal(t, int32(1), atomic.LoadInt32(&refresher.calls))

		clk.Advance(6 * time.Minute)
		_, err = r.GetToken(context.Background(), acc)
		require.NoError(t, err)
		require.Equal(t, int32(2), atomic.LoadInt32(&refresher.calls))
	})

	t.Run("missing refresh token is invalid", func(t *testing.T) {
		r, _ := newTestResolver(t, ResolverOptions{})
		_, err := r.GetToken(context.Background(), &Account{Email: "o@x.com", Source: SourceOAuth})
		require.True(t, apperrors.IsAuthInvalid(err))
	})

	t.Run("invalid grant marks the account invalid", func(t *testing.T) {
		manager, _ := newTestManager(t, testPool(oauthAccount("o@x.com")))
		refresher := &fakeRefresher{refresh: func(string) (*RefreshResult, error) {
			return nil, apperrors.NewAuthInvalidError("o@x.com", "invalid_grant")
		}}
		r, _ := newTestResolver(t, ResolverOptions{Refresher: refresher, Manager: manager})

		_, err := r.GetToken(context.Background(), acc)
		require.True(t, apperrors.IsAuthInvalid(err))
		require.True(t, manager.Snapshot().Accounts[0].IsInvalid)
	})

	t.Run("network failure does not penalise the account", func(t *testing.T) {
		manager, _ := newTestManager(t, testPool(oauthAccount("o@x.com")))
		refresher := &fakeRefresher{refresh: func(string) (*RefreshResult, error) {
			return nil, errors.New("connection refused")
		}}
		r, _ := newTestResolver(t, ResolverOptions{Refresher: refresher, Manager: manager})

		_, err := r.GetToken(context.Background(), acc)
		require.True(t, apperrors.IsAuthNetwork(err))
		require.False(t, manager.Snapshot().Accounts[0].IsInvalid)
	})

	t.Run("successful refresh restores an invalid account", func(t *testing.T) {
		pool := testPool(oauthAccount("o@x.com"))
		pool.Accounts[0].IsInvalid = true
		manager, _ := newTestManager(t, pool)

		refresher := &fakeRefresher{refresh: func(string) (*RefreshResult, error) {
			return &RefreshResult{AccessToken: "at", ExpiresIn: 3600}, nil
		}}
		r, _ := newTestResolver(t, ResolverOptions{Refresher: refresher, Manager: manager})

		_, err := r.GetToken(context.Background(), acc)
		require.NoError(t, err)
		require.False(t, manager.Snapshot().Accounts[0].IsInvalid)
	})

	t.Run("concurrent refreshes coalesce", func(t *testing.T) {
		refresher := &fakeRefresher{refresh: func(string) (*RefreshResult, error) {
			time.Sleep(20 * time.Millisecond)
			return &RefreshResult{AccessToken: "at", ExpiresIn: 3600}, nil
		}}
		r, _ := newTestResolver(t, ResolverOptions{Refresher: refresher})

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				token, err := r.GetToken(context.Background(), acc)
				require.NoError(t, err)
				require.Equal(t, "at", token)
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), atomic.LoadInt32(&refresher.calls))
	})
}

func TestGetProject(t *testing.T) {
	t.Run("account project id wins without discovery", func(t *testing.T) {
		disc := &fakeDiscoverer{project: "discovered"}
		r, _ := newTestResolver(t, ResolverOptions{Discoverer: disc})

		project, err := r.GetProject(context.Background(), &Account{Email: "a@x.com", ProjectID: "pinned"}, "tok")
		require.NoError(t, err)
		require.Equal(t, "pinned", project)
		require.Equal(t, int32(0), atomic.LoadInt32(&disc.calls))
	})

	t.Run("discovery result is cached", func(t *testing.T) {
		disc := &fakeDiscoverer{project: "discovered"}
		r, _ := newTestResolver(t, ResolverOptions{Discoverer: disc})
		acc := &Account{Email: "a@x.com"}

		project, err := r.GetProject(context.Background(), acc, "tok")
		require.NoError(t, err)
		require.Equal(t, "discovered", project)

		_, err = r.GetProject(context.Background(), acc, "tok")
		require.NoError(t, err)
		require.Equal(t, int32(1), atomic.LoadInt32(&disc.calls))
	})

	t.Run("discovery failure falls back to the default", func(t *testing.T) {
		disc := &fakeDiscoverer{err: errors.New("boom")}
		r, _ := newTestResolver(t, ResolverOptions{Discoverer: disc})

		project, err := r.GetProject(context.Background(), &Account{Email: "a@x.com"}, "tok")
		require.NoError(t, err)
		require.Equal(t, "default-project", project)
	})

	t.Run("failed discovery is retried on the next request", func(t *testing.T) {
		disc := &fakeDiscoverer{err: errors.New("boom")}
		r, _ := newTestResolver(t, ResolverOptions{Discoverer: disc})
		acc := &Account{Email: "a@x.com"}

		project, err := r.GetProject(context.Background(), acc, "tok")
		require.NoError(t, err)
		require.Equal(t, "default-project", project)

		// The endpoint recovers; the default must not have been pinned.
		disc.err = nil
		disc.project = "discovered"

		project, err = r.GetProject(context.Background(), acc, "tok")
		require.NoError(t, err)
		require.Equal(t, "discovered", project)
		require.Equal(t, int32(2), atomic.LoadInt32(&disc.calls))

		// And the recovered result is cached as usual.
		_, err = r.GetProject(context.Background(), acc, "tok")
		require.NoError(t, err)
		require.Equal(t, int32(2), atomic.LoadInt32(&disc.calls))
	})
}

func TestResolverClear(t *testing.T) {
	refresher := &fakeRefresher{refresh: func(string) (*RefreshResult, error) {
		return &RefreshResult{AccessToken: "at", ExpiresIn: 3600}, nil
	}}
	r, _ := newTestResolver(t, ResolverOptions{Refresher: refresher})
	acc := &Account{Email: "o@x.com", Source: SourceOAuth, RefreshToken: "rt"}

	_, err := r.GetToken(context.Background(), acc)
	require.NoError(t, err)

	r.Clear("o@x.com")
	_, err = r.GetToken(context.Background(), acc)
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&refresher.calls))

	r.Clear("")
	_, err = r.GetToken(context.Background(), acc)
	require.NoError(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&refresher.calls))
}
