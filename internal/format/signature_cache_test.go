package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignatureCacheToolSignatures(t *testing.T) {
	cache := NewSignatureCache(0)
	sig := validSig("tool")

	cache.PutToolSignature("toolu_1", sig)
	require.Equal(t, sig, cache.ToolSignature("toolu_1"))
	require.Empty(t, cache.ToolSignature("toolu_other"))
	require.Empty(t, cache.ToolSignature(""))

	// Empty keys and values are ignored.
	cache.PutToolSignature("", sig)
	cache.PutToolSignature("toolu_2", "")
	require.Empty(t, cache.ToolSignature("toolu_2"))
}

func TestSignatureCacheThinkingFamily(t *testing.T) {
	cache := NewSignatureCache(0)
	sig := validSig("think")

	cache.PutThinkingFamily(sig, "gemini")
	require.Equal(t, "gemini", cache.ThinkingFamily(sig))

	// Too-short signatures are never recorded.
	cache.PutThinkingFamily("short", "claude")
	require.Empty(t, cache.ThinkingFamily("short"))
}

func TestSignatureCacheExpiry(t *testing.T) {
	cache := NewSignatureCache(30 * time.Millisecond)
	sig := validSig("ttl")

	cache.PutToolSignature("toolu_1", sig)
	require.Equal(t, sig, cache.ToolSignature("toolu_1"))

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, cache.ToolSignature("toolu_1"))
}

func TestSignatureCacheReset(t *testing.T) {
	cache := NewSignatureCache(0)
	sig := validSig("reset")
	cache.PutToolSignature("toolu_1", sig)
	cache.PutThinkingFamily(sig, "gemini")

	cache.Reset()
	require.Empty(t, cache.ToolSignature("toolu_1"))
	require.Empty(t, cache.ThinkingFamily(sig))
}

func TestSharedSignatureCacheIsSingleton(t *testing.T) {
	require.Same(t, SharedSignatureCache(), SharedSignatureCache())
}
