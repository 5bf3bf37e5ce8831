package account

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "accounts.json")
	store := NewFileStore(path, nil)

	pool := testPool(oauthAccount("a@x.com"), oauthAccount("b@x.com"))
	pool.ActiveIndex = 1
	pool.Settings.CooldownDurationMs = 30_000
	require.NoError(t, store.Save(context.Background(), pool))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded.Accounts, 2)
	require.Equal(t, "a@x.com", loaded.Accounts[0].Email)
	require.Equal(t, 1, loaded.ActiveIndex)
	require.Equal(t, int64(30_000), loaded.Settings.CooldownDurationMs)
}

func TestFileStoreMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "absent.json"), nil)

	pool, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, pool.Accounts)
	require.Equal(t, int64(60_000), pool.Settings.CooldownDurationMs)
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	pool, err := NewFileStore(path, nil).Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, pool.Accounts)
}

func TestPoolNormalize(t *testing.T) {
	pool := &Pool{
		Accounts:    []*Account{{Email: "a@x.com", Source: SourceOAuth}},
		ActiveIndex: 7,
	}
	pool.Normalize()

	require.NotNil(t, pool.Accounts[0].ModelRateLimits)
	require.Equal(t, 0, pool.ActiveIndex)
	require.Positive(t, pool.Settings.CooldownDurationMs)
}

func TestAccountClone(t *testing.T) {
	reset := int64(123)
	reason := "revoked"
	used := int64(456)
	acc := &Account{
		Email:         "a@x.com",
		LastUsed:      &used,
		IsInvalid:     true,
		InvalidReason: &reason,
		ModelRateLimits: map[string]ModelRateLimit{
			"m": {IsRateLimited: true, ResetTime: &reset},
		},
	}

	cp := acc.Clone()
	*cp.LastUsed = 999
	*cp.ModelRateLimits["m"].ResetTime = 999
	cp.ModelRateLimits["other"] = ModelRateLimit{}

	require.Equal(t, int64(456), *acc.LastUsed)
	require.Equal(t, int64(123), *acc.ModelRateLimits["m"].ResetTime)
	require.NotContains(t, acc.ModelRateLimits, "other")
}
