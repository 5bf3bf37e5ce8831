// Package errors defines the closed set of error classes used by the
// account pool and dispatcher. Every boundary constructs one of these
// tagged types; substring matching over error text is a last-resort
// fallback for transport errors that carry no structured code.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// RateLimitError reports an upstream 429 / quota exhaustion for one
// account. ResetMs, when non-nil, is the parsed cooldown duration in
// milliseconds.
type RateLimitError struct {
	Message string
	ResetMs *int64
	Email   string
}

func (e *RateLimitError) Error() string { return e.Message }

// NewRateLimitError creates a RateLimitError.
func NewRateLimitError(message string, resetMs *int64, email string) *RateLimitError {
	if message == "" {
		message = "Rate limited"
	}
	return &RateLimitError{Message: message, ResetMs: resetMs, Email: email}
}

// AuthInvalidError reports a credential that was rejected upstream
// (revoked refresh token, invalid grant). The account must be marked
// invalid and excluded from selection.
type AuthInvalidError struct {
	Email  string
	Reason string
}

func (e *AuthInvalidError) Error() string {
	return fmt.Sprintf("authentication invalid for %s: %s", e.Email, e.Reason)
}

// NewAuthInvalidError creates an AuthInvalidError.
func NewAuthInvalidError(email, reason string) *AuthInvalidError {
	return &AuthInvalidError{Email: email, Reason: reason}
}

// AuthNetworkError reports a transient transport failure during token
// refresh. The account is not penalised.
type AuthNetworkError struct {
	Cause error
}

func (e *AuthNetworkError) Error() string {
	return fmt.Sprintf("token refresh network error: %v", e.Cause)
}

func (e *AuthNetworkError) Unwrap() error { return e.Cause }

// NewAuthNetworkError creates an AuthNetworkError.
func NewAuthNetworkError(cause error) *AuthNetworkError {
	return &AuthNetworkError{Cause: cause}
}

// NoAccountsError reports that no account could serve the request.
// AllRateLimited distinguishes "every account is cooling down" (the
// caller may wait) from "the pool is empty or invalid" (it may not).
type NoAccountsError struct {
	Message        string
	AllRateLimited bool
}

func (e *NoAccountsError) Error() string { return e.Message }

// NewNoAccountsError creates a NoAccountsError.
func NewNoAccountsError(message string, allRateLimited bool) *NoAccountsError {
	if message == "" {
		message = "No accounts available"
	}
	return &NoAccountsError{Message: message, AllRateLimited: allRateLimited}
}

// MaxRetriesError reports that the dispatch loop gave up.
type MaxRetriesError struct {
	Attempts int
	Last     error
}

func (e *MaxRetriesError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("max retries exceeded after %d attempts: %v", e.Attempts, e.Last)
	}
	return fmt.Sprintf("max retries exceeded after %d attempts", e.Attempts)
}

func (e *MaxRetriesError) Unwrap() error { return e.Last }

// NewMaxRetriesError creates a MaxRetriesError wrapping the last
// underlying failure, if any.
func NewMaxRetriesError(attempts int, last error) *MaxRetriesError {
	return &MaxRetriesError{Attempts: attempts, Last: last}
}

// UpstreamError reports a non-auth, non-quota upstream HTTP failure.
type UpstreamError struct {
	Message    string
	StatusCode int
	ErrorType  string
	Retryable  bool
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.StatusCode, e.Message)
}

// NewUpstreamError creates an UpstreamError. 5xx responses are
// retryable, other statuses are terminal unless the caller says
// otherwise via retryable.
func NewUpstreamError(message string, statusCode int, errorType string, retryable bool) *UpstreamError {
	if errorType == "" {
		errorType = "api_error"
	}
	return &UpstreamError{Message: message, StatusCode: statusCode, ErrorType: errorType, Retryable: retryable}
}

// IsRateLimit reports whether err is (or wraps) a RateLimitError.
func IsRateLimit(err error) bool {
	var target *RateLimitError
	return errors.As(err, &target)
}

// IsAuthInvalid reports whether err is (or wraps) an AuthInvalidError.
func IsAuthInvalid(err error) bool {
	var target *AuthInvalidError
	return errors.As(err, &target)
}

// IsAuthNetwork reports whether err is (or wraps) an AuthNetworkError.
func IsAuthNetwork(err error) bool {
	var target *AuthNetworkError
	return errors.As(err, &target)
}

// IsRetryable reports whether the dispatcher may retry after err
// without switching accounts.
func IsRetryable(err error) bool {
	var up *UpstreamError
	if errors.As(err, &up) {
		return up.Retryable
	}
	return IsAuthNetwork(err)
}

// networkErrorFragments is the last-resort substring set for transport
// errors without structured codes.
var networkErrorFragments = []string{
	"fetch failed",
	"network",
	"econnreset",
	"etimedout",
	"socket hang up",
	"timeout",
	"connection refused",
	"connection reset",
	"no such host",
	"eof",
}

// LooksLikeNetworkError reports whether the error text matches the
// known transient transport failures. Only used where no tagged type
// is available.
func LooksLikeNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range networkErrorFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// HTTPStatus maps an error to the client-facing HTTP status code.
func HTTPStatus(err error) int {
	var (
		rl *RateLimitError
		ai *AuthInvalidError
		an *AuthNetworkError
		na *NoAccountsError
		mr *MaxRetriesError
		up *UpstreamError
	)
	switch {
	case errors.As(err, &rl):
		return 429
	case errors.As(err, &ai):
		return 401
	case errors.As(err, &na):
		if na.AllRateLimited {
			return 429
		}
		return 503
	case errors.As(err, &mr):
		return 503
	case errors.As(err, &an):
		return 502
	case errors.As(err, &up):
		return up.StatusCode
	default:
		return 500
	}
}

// AnthropicType maps an error to the Anthropic error envelope "type"
// field.
func AnthropicType(err error) string {
	var (
		rl *RateLimitError
		ai *AuthInvalidError
		na *NoAccountsError
		up *UpstreamError
	)
	switch {
	case errors.As(err, &rl):
		return "rate_limit_error"
	case errors.As(err, &ai):
		return "authentication_error"
	case errors.As(err, &na):
		if na.AllRateLimited {
			return "rate_limit_error"
		}
		return "overloaded_error"
	case errors.As(err, &up):
		if up.StatusCode == 400 {
			return "invalid_request_error"
		}
		return "api_error"
	default:
		return "api_error"
	}
}

// Envelope renders an error as the Anthropic-shaped JSON error body.
func Envelope(err error) map[string]interface{} {
	return map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    AnthropicType(err),
			"message": err.Error(),
		},
	}
}
