package cloudcode

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseResetTimeHeaders(t *testing.T) {
	t.Run("retry-after in seconds", func(t *testing.T) {
		h := http.Header{}
		h.Set("retry-after", "30")
		require.Equal(t, int64(30_000), ParseResetTime(h, ""))
	})

	t.Run("retry-after as http date", func(t *testing.T) {
		h := http.Header{}
		h.Set("retry-after", time.Now().Add(45*time.Second).UTC().Format(http.TimeFormat))
		ms := ParseResetTime(h, "")
		require.Greater(t, ms, int64(40_000))
		require.LessOrEqual(t, ms, int64(46_000))
	})

	t.Run("x-ratelimit-reset unix timestamp", func(t *testing.T) {
		h := http.Header{}
		h.Set("x-ratelimit-reset", strconv.FormatInt(time.Now().Unix()+20, 10))
		ms := ParseResetTime(h, "")
		require.Greater(t, ms, int64(15_000))
		require.LessOrEqual(t, ms, int64(21_000))
	})

	t.Run("x-ratelimit-reset-after float seconds", func(t *testing.T) {
		h := http.Header{}
		h.Set("x-ratelimit-reset-after", "2.5")
		require.Equal(t, int64(2500), ParseResetTime(h, ""))
	})

	t.Run("headers win over the body", func(t *testing.T) {
		h := http.Header{}
		h.Set("retry-after", "10")
		require.Equal(t, int64(10_000), ParseResetTime(h, `{"error":{"details":[{"retryDelay":"99s"}]}}`))
	})
}

func TestParseResetTimeBody(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int64
	}{
		{
			name: "retry info detail",
			body: `{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"38s"}]}}`,
			want: 38_000,
		},
		{
			name: "quota reset delay in ms",
			body: `{"quotaResetDelay":"750ms"}`,
			want: 750,
		},
		{
			name: "quota reset delay in seconds",
			body: `{"quotaResetDelay":"12s"}`,
			want: 12_000,
		},
		{
			name: "retry-after-ms field",
			body: `retry_after_ms: 4200`,
			want: 4200,
		},
		{
			name: "retryDelay with fractional seconds",
			body: `{"retryDelay":"1.5s"}`,
			want: 1500,
		},
		{
			name: "prose retry after seconds",
			body: `Quota exceeded. Please retry after 30 seconds.`,
			want: 30_000,
		},
		{
			name: "bare go duration",
			body: `try again in 1h2m3s please`,
			want: 3_723_000,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ParseResetTime(nil, tc.body))
		})
	}

	t.Run("reset timestamp", func(t *testing.T) {
		stamp := time.Now().Add(90 * time.Second).UTC().Format(time.RFC3339)
		ms := ParseResetTime(nil, `{"resetTime":"`+stamp+`"}`)
		require.Greater(t, ms, int64(80_000))
		require.LessOrEqual(t, ms, int64(91_000))
	})

	t.Run("nothing usable", func(t *testing.T) {
		require.Equal(t, int64(-1), ParseResetTime(nil, "internal error"))
		require.Equal(t, int64(-1), ParseResetTime(nil, ""))
	})
}

func TestClampReset(t *testing.T) {
	require.Equal(t, int64(minResetMs), clampReset(0))
	require.Equal(t, int64(minResetMs), clampReset(-100))
	require.Equal(t, int64(300+resetBufferMs), clampReset(300))
	require.Equal(t, int64(5000), clampReset(5000))
}

func TestParseRateLimitReason(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		status int
		want   string
	}{
		{"status 529", "", 529, ReasonCapacityExhausted},
		{"status 503", "", http.StatusServiceUnavailable, ReasonCapacityExhausted},
		{"status 500", "", http.StatusInternalServerError, ReasonServerError},
		{"quota message", `{"error":{"status":"RESOURCE_EXHAUSTED"}}`, 429, ReasonQuotaExhausted},
		{"capacity message", "model is overloaded, try later", 429, ReasonCapacityExhausted},
		{"rate limit message", "rate limit exceeded for requests", 429, ReasonRateLimited},
		{"server error message", "transient internal error", 429, ReasonServerError},
		{"unclassified", "something odd", 429, ReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ParseRateLimitReason(tc.body, tc.status))
		})
	}
}
