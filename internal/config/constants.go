// Package config provides compiled-in constants and runtime
// configuration for the proxy.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// Version is the proxy version string.
const Version = "1.0.0"

// Cloud Code API endpoints, in fallback order.
const (
	EndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	EndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// EndpointFallbacks is the generateContent endpoint order (daily first).
var EndpointFallbacks = []string{
	EndpointDaily,
	EndpointProd,
}

// LoadCodeAssistEndpoints is the endpoint order for loadCodeAssist.
// Discovery works better on prod for fresh accounts.
var LoadCodeAssistEndpoints = []string{
	EndpointProd,
	EndpointDaily,
}

// DefaultProjectID is the compiled-in fallback when project discovery
// fails on every endpoint. Overridable via Config.DefaultProjectID.
const DefaultProjectID = "rising-fact-p41fc"

// UpstreamHeaders returns the product-identifying headers required by
// the Cloud Code API.
func UpstreamHeaders() map[string]string {
	return map[string]string{
		"User-Agent":        platformUserAgent(),
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   clientMetadata(),
	}
}

func platformUserAgent() string {
	return fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH)
}

// ClientMetadata enums, numeric values as expected by the Cloud Code
// API (google.internal.cloud.code.v1internal.ClientMetadata).
const (
	ideTypeAntigravity = 6
	pluginTypeGemini   = 2

	platformUnspecified = 0
	platformWindows     = 1
	platformLinux       = 2
	platformMacOS       = 3
)

func platformEnum() int {
	switch runtime.GOOS {
	case "darwin":
		return platformMacOS
	case "windows":
		return platformWindows
	case "linux":
		return platformLinux
	default:
		return platformUnspecified
	}
}

func clientMetadata() string {
	data, _ := json.Marshal(map[string]int{
		"ideType":    ideTypeAntigravity,
		"platform":   platformEnum(),
		"pluginType": pluginTypeGemini,
	})
	return string(data)
}

// InterleavedThinkingBeta is attached to requests for Claude thinking
// models.
const InterleavedThinkingBeta = "interleaved-thinking-2025-05-14"

// Timing and retry constants.
const (
	// TokenRefreshIntervalMs is the access-token cache TTL (5 minutes).
	TokenRefreshIntervalMs = 5 * 60 * 1000
	// DefaultCooldownMs is the cooldown applied on a 429 without a
	// parseable reset.
	DefaultCooldownMs = 60 * 1000
	// StickyWindowMs is how long the last-used account is preferred.
	StickyWindowMs = 60 * 1000
	// DefaultMaxRetries bounds the dispatch loop.
	DefaultMaxRetries = 5
	// MaxWaitBeforeErrorMs bounds a single all-rate-limited wait.
	MaxWaitBeforeErrorMs = 120 * 1000
	// RetryBaseMs is the exponential backoff base.
	RetryBaseMs = 250
	// RetryMaxBackoffMs caps a single backoff sleep.
	RetryMaxBackoffMs = 10 * 1000
	// RequestBodyLimit caps the request body (10 MB).
	RequestBodyLimit int64 = 10 * 1024 * 1024

	// MaxEmptyResponseRetries bounds retries when upstream returns a
	// well-formed but contentless stream.
	MaxEmptyResponseRetries = 2
	// DefaultPort is the default listen port.
	DefaultPort = 8080
	// MaxAccounts bounds the pool size.
	MaxAccounts = 50
)

// MinSignatureLength is the shortest thinking signature worth carrying.
const MinSignatureLength = 50

// GeminiSkipSignature is the sentinel the backend accepts in place of a
// real thoughtSignature on Gemini tool calls.
const GeminiSkipSignature = "skip_thought_signature_validator"

// SignatureCacheTTLMs bounds how long tool-call and thinking
// signatures are remembered (2 hours).
const SignatureCacheTTLMs = 2 * 60 * 60 * 1000

// GeminiMaxOutputTokens caps maxOutputTokens for Gemini models.
const GeminiMaxOutputTokens = 16384

// File locations.
var (
	// AccountConfigPath is the on-disk account store.
	AccountConfigPath = filepath.Join(homeDir(), ".config", "antigravity-proxy", "accounts.json")
	// AntigravityDBPath is the Antigravity desktop app state database,
	// read for source=database accounts.
	AntigravityDBPath = antigravityDBPath()
)

// OAuth holds the Google OAuth client used for the authorization flow
// and refresh-token exchange.
type OAuth struct {
	ClientID      string
	ClientSecret  string
	AuthURL       string
	TokenURL      string
	UserInfoURL   string
	CallbackPort  int
	FallbackPorts []int
	Scopes        []string
}

// OAuthConfig is the compiled-in Antigravity OAuth client.
var OAuthConfig = OAuth{
	ClientID:     "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com",
	ClientSecret: "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",
	AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:     "https://oauth2.googleapis.com/token",
	UserInfoURL:  "https://www.googleapis.com/oauth2/v1/userinfo",
	CallbackPort: oauthCallbackPort(),
	FallbackPorts: []int{51122, 51123, 51124, 51125, 51126},
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
		"https://www.googleapis.com/auth/cclog",
		"https://www.googleapis.com/auth/experimentsandconfigs",
	},
}

// OAuthRedirectURI is the loopback redirect the authorization flow
// listens on.
func OAuthRedirectURI() string {
	return fmt.Sprintf("http://localhost:%d/oauth-callback", OAuthConfig.CallbackPort)
}

func oauthCallbackPort() int {
	if v := os.Getenv("OAUTH_CALLBACK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			return port
		}
	}
	return 51121
}

// SystemInstruction is prepended to the upstream system prompt so the
// backend treats requests as Antigravity agent traffic.
const SystemInstruction = `You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding.You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question.**Absolute paths only****Proactiveness**`

// ModelFallbackMap maps a model to its quota-exhausted fallback.
// Consulted only when all accounts are rate-limited and the caller
// opted in.
var ModelFallbackMap = map[string]string{
	"gemini-3-pro-high":          "claude-opus-4-6-thinking",
	"gemini-3-pro-low":           "claude-sonnet-4-5",
	"gemini-3-flash":             "claude-sonnet-4-5-thinking",
	"claude-opus-4-6-thinking":   "gemini-3-pro-high",
	"claude-sonnet-4-5-thinking": "gemini-3-flash",
	"claude-sonnet-4-5":          "gemini-3-flash",
}

// KnownModels is the static catalog served by GET /v1/models.
var KnownModels = []string{
	"claude-opus-4-6-thinking",
	"claude-sonnet-4-5-thinking",
	"claude-sonnet-4-5",
	"gemini-3-pro-high",
	"gemini-3-pro-low",
	"gemini-3-flash",
}

// ModelFamily classifies a model id by vendor.
type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyUnknown ModelFamily = "unknown"
)

// GetModelFamily returns the family for a model id.
func GetModelFamily(model string) ModelFamily {
	lower := strings.ToLower(model)
	if strings.Contains(lower, "claude") {
		return ModelFamilyClaude
	}
	if strings.Contains(lower, "gemini") {
		return ModelFamilyGemini
	}
	return ModelFamilyUnknown
}

var geminiVersionRe = regexp.MustCompile(`gemini-(\d+)`)

// IsThinkingModel reports whether a model emits thinking blocks.
// Claude models must say "thinking" in the id; Gemini models qualify
// by an explicit "thinking" or by major version 3 and up.
func IsThinkingModel(model string) bool {
	lower := strings.ToLower(model)

	if strings.Contains(lower, "claude") {
		return strings.Contains(lower, "thinking")
	}

	if strings.Contains(lower, "gemini") {
		if strings.Contains(lower, "thinking") {
			return true
		}
		if m := geminiVersionRe.FindStringSubmatch(lower); len(m) >= 2 {
			if v, err := strconv.Atoi(m[1]); err == nil && v >= 3 {
				return true
			}
		}
	}

	return false
}

// GetFallbackModel returns the configured fallback for model, if any.
func GetFallbackModel(model string) (string, bool) {
	fallback, ok := ModelFallbackMap[model]
	return fallback, ok
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func antigravityDBPath() string {
	home := homeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library/Application Support/Antigravity/User/globalStorage/state.vscdb")
	case "windows":
		return filepath.Join(home, "AppData/Roaming/Antigravity/User/globalStorage/state.vscdb")
	default:
		return filepath.Join(home, ".config/Antigravity/User/globalStorage/state.vscdb")
	}
}
