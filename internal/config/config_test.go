package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"apiKey": "secret",
		"maxRetries": 3,
		"modelMapping": {"claude-3-5-sonnet-latest": "claude-sonnet-4-5"},
		"port": 9090
	}`), 0o600))

	cfg := Default()
	require.NoError(t, cfg.Load(path))

	require.Equal(t, "secret", cfg.APIKey)
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, 9090, cfg.Port)
	// Untouched fields keep their defaults.
	require.Equal(t, int64(RetryBaseMs), cfg.RetryBaseMs)
	require.Equal(t, "0.0.0.0", cfg.Host)
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Load(filepath.Join(t.TempDir(), "absent.json")))
	require.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	require.Equal(t, DefaultPort, cfg.Port)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{oops"), 0o600))
	require.Error(t, Default().Load(path))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("API_KEY", "env-key")
	t.Setenv("DEBUG", "true")
	t.Setenv("PORT", "7070")
	t.Setenv("HOST", "127.0.0.1")

	cfg := Default()
	require.NoError(t, cfg.Load(filepath.Join(t.TempDir(), "absent.json")))

	require.Equal(t, "env-key", cfg.APIKey)
	require.True(t, cfg.Debug)
	require.Equal(t, 7070, cfg.Port)
	require.Equal(t, "127.0.0.1", cfg.Host)
}

func TestNormalizeClampsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"maxRetries": -1, "port": 0, "retryBaseMs": -5}`), 0o600))

	cfg := Default()
	require.NoError(t, cfg.Load(path))
	require.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	require.Equal(t, DefaultPort, cfg.Port)
	require.Equal(t, int64(RetryBaseMs), cfg.RetryBaseMs)
}

func TestMapModel(t *testing.T) {
	cfg := Default()
	cfg.ModelMapping = map[string]string{"alias": "gemini-3-flash", "noop": ""}

	require.Equal(t, "gemini-3-flash", cfg.MapModel("alias"))
	require.Equal(t, "noop", cfg.MapModel("noop"))
	require.Equal(t, "unmapped", cfg.MapModel("unmapped"))
}

func TestGetModelFamily(t *testing.T) {
	require.Equal(t, ModelFamilyClaude, GetModelFamily("claude-sonnet-4-5-thinking"))
	require.Equal(t, ModelFamilyGemini, GetModelFamily("gemini-3-pro-high"))
	require.Equal(t, ModelFamilyUnknown, GetModelFamily("gpt-4o"))
}

func TestIsThinkingModel(t *testing.T) {
	cases := []struct {
		model string
		want  bool
	}{
		{"claude-sonnet-4-5-thinking", true},
		{"claude-sonnet-4-5", false},
		{"gemini-3-flash", true},        // gemini >= 3 always thinks
		{"gemini-2.0-flash", false},
		{"gemini-2.0-flash-thinking-exp", true},
		{"gpt-4o", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, IsThinkingModel(tc.model), tc.model)
	}
}

func TestGetFallbackModel(t *testing.T) {
	fallback, ok := GetFallbackModel("gemini-3-pro-high")
	require.True(t, ok)
	require.Equal(t, "claude-opus-4-6-thinking", fallback)

	_, ok = GetFallbackModel("gpt-4o")
	require.False(t, ok)
}
