package format

import (
	"sync"
	"time"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/config"
)

// SignatureCache remembers Gemini thoughtSignatures across requests.
//
// Gemini requires a thoughtSignature on replayed tool calls, but most
// Anthropic clients strip fields they don't know. The cache keys tool
// signatures by tool_use id so they can be restored on the next turn,
// and records which model family produced each thinking signature so
// cross-model histories can be filtered.
type SignatureCache struct {
	mu       sync.RWMutex
	tools    map[string]cacheEntry
	thinking map[string]cacheEntry
	ttl      time.Duration
}

type cacheEntry struct {
	value   string
	savedAt time.Time
}

// NewSignatureCache creates a SignatureCache. ttl <= 0 uses the
// configured default.
func NewSignatureCache(ttl time.Duration) *SignatureCache {
	if ttl <= 0 {
		ttl = time.Duration(config.SignatureCacheTTLMs) * time.Millisecond
	}
	return &SignatureCache{
		tools:    make(map[string]cacheEntry),
		thinking: make(map[string]cacheEntry),
		ttl:      ttl,
	}
}

// PutToolSignature records the signature emitted with a tool call.
func (c *SignatureCache) PutToolSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" {
		return
	}
	c.mu.Lock()
	c.tools[toolUseID] = cacheEntry{value: signature, savedAt: time.Now()}
	c.mu.Unlock()
}

// ToolSignature returns the remembered signature for a tool_use id, or
// "" when unknown or expired.
func (c *SignatureCache) ToolSignature(toolUseID string) string {
	return c.lookup(c.tools, toolUseID)
}

// PutThinkingFamily records which model family signed a thinking block.
func (c *SignatureCache) PutThinkingFamily(signature, family string) {
	if signature == "" || len(signature) < config.MinSignatureLength {
		return
	}
	c.mu.Lock()
	c.thinking[signature] = cacheEntry{value: family, savedAt: time.Now()}
	c.mu.Unlock()
}

// ThinkingFamily returns the family that produced signature, or ""
// when the origin is unknown.
func (c *SignatureCache) ThinkingFamily(signature string) string {
	return c.lookup(c.thinking, signature)
}

func (c *SignatureCache) lookup(m map[string]cacheEntry, key string) string {
	if key == "" {
		return ""
	}
	c.mu.RLock()
	entry, ok := m[key]
	c.mu.RUnlock()
	if !ok {
		return ""
	}
	if time.Since(entry.savedAt) > c.ttl {
		c.mu.Lock()
		delete(m, key)
		c.mu.Unlock()
		return ""
	}
	return entry.value
}

// Reset drops all entries. Used by tests.
func (c *SignatureCache) Reset() {
	c.mu.Lock()
	c.tools = make(map[string]cacheEntry)
	c.thinking = make(map[string]cacheEntry)
	c.mu.Unlock()
}

var (
	sharedCache     *SignatureCache
	sharedCacheOnce sync.Once
)

// SharedSignatureCache returns the process-wide cache. Signatures are
// keyed by globally unique ids, so one cache serves every account.
func SharedSignatureCache() *SignatureCache {
	sharedCacheOnce.Do(func() {
		sharedCache = NewSignatureCache(0)
	})
	return sharedCache
}
