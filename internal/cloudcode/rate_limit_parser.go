package cloudcode

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Rate-limit responses arrive in several dialects: standard headers,
// Google RPC RetryInfo details, and assorted quota messages embedded in
// the error text. ParseResetTime tries them in order of reliability and
// returns the wait in milliseconds, or -1 when nothing usable is found.

const (
	// minResetMs is the floor applied to any parsed wait; upstream
	// occasionally reports zero or negative delays.
	minResetMs = 500
	// resetBufferMs is added to sub-second waits so the retry does not
	// land inside the same limiter window.
	resetBufferMs = 200
)

var (
	quotaResetDelayRe = regexp.MustCompile(`"quotaResetDelay"\s*:\s*"([\d.]+)(m?s)"`)
	quotaResetStampRe = regexp.MustCompile(`"quotaResetTimeStamp"\s*:\s*"([^"]+)"`)
	retryAfterMsRe    = regexp.MustCompile(`(?i)retry[-_]?after[-_]?ms\D{0,3}(\d+)`)
	retryAfterSecRe   = regexp.MustCompile(`(?i)retry(?: again)? after (\d+(?:\.\d+)?)\s*s(?:ec(?:ond)?s?)?`)
	retryDelayRe      = regexp.MustCompile(`"retryDelay"\s*:\s*"([\d.]+)s"`)
	durationRe        = regexp.MustCompile(`\b(?:(\d+)h)?(?:(\d+)m)?(\d+(?:\.\d+)?)s\b`)
	resetStampRe      = regexp.MustCompile(`"reset(?:Time|At)?"\s*:\s*"(\d{4}-\d{2}-\d{2}T[^"]+)"`)
)

// ParseResetTime extracts the reset delay from a 429 response. headers
// may be nil when only an error body is available.
func ParseResetTime(headers http.Header, body string) int64 {
	if ms := parseResetHeaders(headers); ms >= 0 {
		return clampReset(ms)
	}
	if ms := parseResetBody(body); ms >= 0 {
		return clampReset(ms)
	}
	return -1
}

func parseResetHeaders(headers http.Header) int64 {
	if headers == nil {
		return -1
	}

	if v := headers.Get("retry-after"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return secs * 1000
		}
		if t, err := http.ParseTime(v); err == nil {
			return time.Until(t).Milliseconds()
		}
	}

	// Unix timestamp of the window reset.
	if v := headers.Get("x-ratelimit-reset"); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			return unix*1000 - time.Now().UnixMilli()
		}
	}

	// Seconds until the window reset.
	if v := headers.Get("x-ratelimit-reset-after"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return int64(secs * 1000)
		}
	}

	return -1
}

func parseResetBody(body string) int64 {
	if body == "" {
		return -1
	}

	// Structured google.rpc.RetryInfo detail, e.g.
	// {"error":{"details":[{"@type":".../RetryInfo","retryDelay":"38s"}]}}
	for _, detail := range gjson.Get(body, "error.details").Array() {
		if delay := detail.Get("retryDelay").String(); delay != "" {
			if ms, ok := parseGoDuration(delay); ok {
				return ms
			}
		}
	}

	if m := quotaResetDelayRe.FindStringSubmatch(body); m != nil {
		value, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			if m[2] == "ms" {
				return int64(value)
			}
			return int64(value * 1000)
		}
	}

	if m := quotaResetStampRe.FindStringSubmatch(body); m != nil {
		if ms, ok := parseTimestamp(m[1]); ok {
			return ms
		}
	}

	if m := retryAfterMsRe.FindStringSubmatch(body); m != nil {
		if ms, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return ms
		}
	}

	if m := retryDelayRe.FindStringSubmatch(body); m != nil {
		if secs, err := strconv.ParseFloat(m[1], 64); err == nil {
			return int64(secs * 1000)
		}
	}

	if m := retryAfterSecRe.FindStringSubmatch(body); m != nil {
		if secs, err := strconv.ParseFloat(m[1], 64); err == nil {
			return int64(secs * 1000)
		}
	}

	if m := durationRe.FindStringSubmatch(body); m != nil {
		if ms, ok := parseGoDuration(m[0]); ok {
			return ms
		}
	}

	if m := resetStampRe.FindStringSubmatch(body); m != nil {
		if ms, ok := parseTimestamp(m[1]); ok {
			return ms
		}
	}

	return -1
}

// parseGoDuration handles the "1h23m45s" shape RetryInfo uses,
// including fractional seconds like "3.5s".
func parseGoDuration(s string) (int64, bool) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d.Milliseconds(), true
}

func parseTimestamp(s string) (int64, bool) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, false
	}
	return time.Until(t).Milliseconds(), true
}

func clampReset(ms int64) int64 {
	if ms <= 0 {
		return minResetMs
	}
	if ms < minResetMs {
		return ms + resetBufferMs
	}
	return ms
}

// Rate-limit reason taxonomy, used for logging and for deciding
// between switching accounts and backing off in place.
const (
	ReasonQuotaExhausted    = "QUOTA_EXHAUSTED"
	ReasonCapacityExhausted = "MODEL_CAPACITY_EXHAUSTED"
	ReasonRateLimited       = "RATE_LIMIT_EXCEEDED"
	ReasonServerError       = "SERVER_ERROR"
	ReasonUnknown           = "UNKNOWN"
)

// ParseRateLimitReason classifies a throttling response. Capacity
// exhaustion is a model-wide condition that account switching cannot
// fix; quota exhaustion is per account.
func ParseRateLimitReason(body string, statusCode int) string {
	switch statusCode {
	case 529, http.StatusServiceUnavailable:
		return ReasonCapacityExhausted
	case http.StatusInternalServerError:
		return ReasonServerError
	}

	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "quota") || strings.Contains(lower, "resource_exhausted"):
		return ReasonQuotaExhausted
	case strings.Contains(lower, "capacity") || strings.Contains(lower, "overloaded"):
		return ReasonCapacityExhausted
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "rate_limit"):
		return ReasonRateLimited
	case strings.Contains(lower, "internal error") || strings.Contains(lower, "server error"):
		return ReasonServerError
	}
	return ReasonUnknown
}
