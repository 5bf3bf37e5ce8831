package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/errors"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/config"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/utils"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/pkg/anthropic"
)

// errorBodyLimit caps how much of an upstream error body is read for
// classification and logging.
const errorBodyLimit = 64 * 1024

// consumeFunc handles a successful upstream body. model is the model
// actually dispatched, which differs from the request's when a
// fallback was substituted.
type consumeFunc func(body io.Reader, model string) error

// withFallback dispatches and, when every account is rate limited for
// the model, retries once on the configured fallback model.
func (c *Client) withFallback(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool, consume consumeFunc) error {
	err := c.dispatch(ctx, req, req.Model, consume)
	if err == nil || !fallbackEnabled {
		return err
	}

	var noAccounts *apperrors.NoAccountsError
	if !errors.As(err, &noAccounts) || !noAccounts.AllRateLimited {
		return err
	}
	fallback, ok := config.GetFallbackModel(req.Model)
	if !ok {
		return err
	}

	c.log.Warn("[CloudCode] All accounts rate limited for %s, falling back to %s", req.Model, fallback)
	return c.dispatch(ctx, req, fallback, consume)
}

// dispatch runs the retry loop: pick an account, resolve credentials,
// call the endpoint chain, classify the outcome. Waiting for a pool
// cooldown does not consume an attempt; failing over does.
func (c *Client) dispatch(ctx context.Context, req *anthropic.MessagesRequest, model string, consume consumeFunc) error {
	attempts := 0
	emptyRetries := 0
	var lastErr error

	for attempts < c.cfg.MaxRetries {
		// A dead context reports as the retry-loop outcome so the
		// handler renders a 503, not a generic server error.
		if err := ctx.Err(); err != nil {
			return apperrors.NewMaxRetriesError(attempts, err)
		}

		c.manager.ClearExpired()

		acc := c.manager.Select(model)
		if acc == nil {
			if err := c.waitForPool(ctx, model); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return apperrors.NewMaxRetriesError(attempts, ctxErr)
				}
				return err
			}
			continue
		}

		token, err := c.resolver.GetToken(ctx, acc)
		if err != nil {
			attempts++
			lastErr = err
			if apperrors.IsAuthInvalid(err) {
				// The account is already marked; the next attempt
				// selects a different one.
				c.log.Warn("[CloudCode] Credentials rejected for %s: %v", utils.MaskEmail(acc.Email), err)
				continue
			}
			c.log.Warn("[CloudCode] Token refresh failed for %s: %v", utils.MaskEmail(acc.Email), err)
			if err := c.backoff(ctx, attempts); err != nil {
				return err
			}
			continue
		}

		project, err := c.resolver.GetProject(ctx, acc, token)
		if err != nil {
			attempts++
			lastErr = err
			if err := c.backoff(ctx, attempts); err != nil {
				return err
			}
			continue
		}

		payload := BuildPayload(req, model, project, c.cache)
		resp, err := c.callEndpoints(ctx, token, model, payload)
		if err != nil {
			attempts++
			lastErr = err
			c.log.Warn("[CloudCode] All endpoints failed for %s: %v", utils.MaskEmail(acc.Email), err)
			if err := c.backoff(ctx, attempts); err != nil {
				return err
			}
			continue
		}

		if resp.StatusCode == http.StatusOK {
			err := consume(resp.Body, model)
			resp.Body.Close()

			switch {
			case err == nil:
				c.manager.TouchLastUsed(acc.Email)
				return nil

			case IsEmptyResponse(err) && emptyRetries < config.MaxEmptyResponseRetries:
				emptyRetries++
				lastErr = err
				c.log.Warn("[CloudCode] Empty response from %s, retry %d/%d",
					utils.MaskEmail(acc.Email), emptyRetries, config.MaxEmptyResponseRetries)
				if err := c.backoff(ctx, emptyRetries); err != nil {
					return err
				}
				continue

			default:
				// Mid-stream failures are not retried: events may
				// already be on their way to the client.
				return err
			}
		}

		body := readErrorBody(resp)
		classified := c.classifyFailure(acc.Email, model, resp, body)
		if !apperrors.IsRetryable(classified) && !apperrors.IsRateLimit(classified) && !apperrors.IsAuthInvalid(classified) {
			return classified
		}

		attempts++
		lastErr = classified
		if apperrors.IsRetryable(classified) && !apperrors.IsRateLimit(classified) {
			if err := c.backoff(ctx, attempts); err != nil {
				return err
			}
		}
	}

	return apperrors.NewMaxRetriesError(attempts, lastErr)
}

// waitForPool sleeps until the earliest cooldown expires, when that is
// both possible and short enough to be worth it.
func (c *Client) waitForPool(ctx context.Context, model string) error {
	decision := c.manager.ShouldWait(model)
	if !decision.ShouldWait {
		return apperrors.NewNoAccountsError("no accounts available", c.manager.IsAllRateLimited(model))
	}
	if decision.WaitMs > c.cfg.MaxWaitBeforeErrorMs {
		return apperrors.NewNoAccountsError(
			fmt.Sprintf("all accounts rate limited; next reset in %s", utils.FormatDuration(decision.WaitMs)),
			true)
	}

	c.log.Info("[CloudCode] All accounts cooling down for %s, waiting %s",
		model, utils.FormatDuration(decision.WaitMs))
	return utils.Sleep(ctx, decision.WaitMs)
}

// callEndpoints posts the payload to each endpoint in order. Transport
// errors and capacity-class statuses move to the next endpoint; any
// other response is returned for classification.
func (c *Client) callEndpoints(ctx context.Context, token, model string, payload *Payload) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	headers := BuildHeaders(token, model, "text/event-stream")

	var lastErr error
	for _, endpoint := range config.EndpointFallbacks {
		url := endpoint + "/v1internal:streamGenerateContent?alt=sse"

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			c.log.Debug("[CloudCode] %s unreachable: %v", endpoint, err)
			lastErr = apperrors.NewAuthNetworkError(err)
			continue
		}

		if isCapacityStatus(resp.StatusCode) {
			text := readErrorBody(resp)
			c.log.Warn("[CloudCode] %s returned %d (%s), trying next endpoint",
				endpoint, resp.StatusCode, ParseRateLimitReason(text, resp.StatusCode))
			lastErr = apperrors.NewUpstreamError(
				fmt.Sprintf("upstream %d: %s", resp.StatusCode, truncate(text, 200)),
				resp.StatusCode, "overloaded_error", true)
			continue
		}

		return resp, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoints configured")
	}
	return nil, lastErr
}

// classifyFailure turns a non-200 response into a tagged error and
// applies the account-level side effects.
func (c *Client) classifyFailure(email, model string, resp *http.Response, body string) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		reason := fmt.Sprintf("upstream %d: %s", resp.StatusCode, truncate(body, 200))
		c.resolver.Clear(email)
		c.manager.MarkInvalid(email, reason)
		return apperrors.NewAuthInvalidError(email, reason)

	case http.StatusTooManyRequests:
		var resetPtr *int64
		if resetMs := ParseResetTime(resp.Header, body); resetMs >= 0 {
			resetPtr = &resetMs
		}
		reason := ParseRateLimitReason(body, resp.StatusCode)
		c.manager.MarkRateLimited(email, resetPtr, model)
		return apperrors.NewRateLimitError(
			fmt.Sprintf("rate limited (%s): %s", reason, truncate(body, 200)),
			resetPtr, email)

	case http.StatusBadRequest:
		return apperrors.NewUpstreamError(
			fmt.Sprintf("upstream rejected request: %s", truncate(body, 500)),
			resp.StatusCode, "invalid_request_error", false)

	default:
		retryable := resp.StatusCode >= 500
		return apperrors.NewUpstreamError(
			fmt.Sprintf("upstream %d: %s", resp.StatusCode, truncate(body, 200)),
			resp.StatusCode, "api_error", retryable)
	}
}

// backoff sleeps exponentially with jitter, capped by the configured
// maximum. A context expiring mid-sleep is reported as the retry-loop
// outcome.
func (c *Client) backoff(ctx context.Context, attempts int) error {
	delay := c.cfg.RetryBaseMs << uint(attempts-1)
	if delay > c.cfg.RetryMaxMs || delay <= 0 {
		delay = c.cfg.RetryMaxMs
	}
	delay += utils.JitterMs(c.cfg.RetryBaseMs)
	if err := utils.Sleep(ctx, delay); err != nil {
		return apperrors.NewMaxRetriesError(attempts, err)
	}
	return nil
}

func isCapacityStatus(status int) bool {
	return status == http.StatusInternalServerError ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == 529
}

func readErrorBody(resp *http.Response) string {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	if err != nil {
		return ""
	}
	return string(data)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
