// Package auth implements the Google OAuth token exchange and the
// Cloud Code project discovery used by oauth accounts, plus the
// desktop-app database reader used by database accounts.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/account"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/config"
	apperrors "github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/errors"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/utils"
)

// RefreshParts is a decomposed composite refresh token. Accounts
// imported from other tools sometimes carry
// "refreshToken|projectId|managedProjectId" in one field.
type RefreshParts struct {
	RefreshToken     string
	ProjectID        string
	ManagedProjectID string
}

// ParseRefreshParts splits a possibly-composite refresh token.
func ParseRefreshParts(refresh string) RefreshParts {
	parts := strings.Split(refresh, "|")
	result := RefreshParts{RefreshToken: parts[0]}
	if len(parts) > 1 {
		result.ProjectID = parts[1]
	}
	if len(parts) > 2 {
		result.ManagedProjectID = parts[2]
	}
	return result
}

// OAuthRefresher exchanges refresh tokens for access tokens against
// the Google OAuth token endpoint. It satisfies account.TokenRefresher.
type OAuthRefresher struct {
	client *http.Client
	log    *utils.Logger
}

// NewOAuthRefresher creates an OAuthRefresher. A nil client uses a
// default with a 30 second timeout.
func NewOAuthRefresher(client *http.Client, log *utils.Logger) *OAuthRefresher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = utils.Default()
	}
	return &OAuthRefresher{client: client, log: log}
}

// Refresh exchanges refreshToken for a short-lived access token.
// Transport failures come back as AuthNetworkError; a rejected grant
// comes back as AuthInvalidError so the caller can retire the account.
func (o *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*account.RefreshResult, error) {
	parts := ParseRefreshParts(refreshToken)

	form := url.Values{
		"client_id":     {config.OAuthConfig.ClientID},
		"client_secret": {config.OAuthConfig.ClientSecret},
		"refresh_token": {parts.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		config.OAuthConfig.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, apperrors.NewAuthNetworkError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewAuthNetworkError(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyTokenFailure(resp.StatusCode, body)
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, apperrors.NewAuthNetworkError(fmt.Errorf("parse token response: %w", err))
	}
	if result.AccessToken == "" {
		return nil, apperrors.NewAuthInvalidError("", "token endpoint returned no access token")
	}

	return &account.RefreshResult{
		AccessToken: result.AccessToken,
		ExpiresIn:   result.ExpiresIn,
	}, nil
}

// classifyTokenFailure decides whether a non-200 token response means
// the grant is dead or the endpoint hiccuped. invalid_grant and
// invalid_client are terminal; 5xx is transient.
func classifyTokenFailure(status int, body []byte) error {
	var oauthErr struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &oauthErr)

	switch oauthErr.Error {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		reason := oauthErr.Error
		if oauthErr.ErrorDescription != "" {
			reason = fmt.Sprintf("%s: %s", oauthErr.Error, oauthErr.ErrorDescription)
		}
		return apperrors.NewAuthInvalidError("", reason)
	}

	if status >= 500 {
		return apperrors.NewAuthNetworkError(fmt.Errorf("token endpoint returned %d", status))
	}
	return apperrors.NewAuthInvalidError("", fmt.Sprintf("token refresh failed with status %d: %s",
		status, strings.TrimSpace(string(body))))
}

// GetUserEmail resolves the email behind an access token. Used when
// adding accounts, not on the request path.
func (o *OAuthRefresher) GetUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.OAuthConfig.UserInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", apperrors.NewAuthNetworkError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.NewAuthNetworkError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("parse userinfo response: %w", err)
	}
	return info.Email, nil
}

// ProjectDiscovery resolves Cloud Code project ids via the
// loadCodeAssist endpoint. It satisfies account.ProjectDiscoverer.
type ProjectDiscovery struct {
	client *http.Client
	log    *utils.Logger
}

// NewProjectDiscovery creates a ProjectDiscovery.
func NewProjectDiscovery(client *http.Client, log *utils.Logger) *ProjectDiscovery {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = utils.Default()
	}
	return &ProjectDiscovery{client: client, log: log}
}

// DiscoverProject asks each loadCodeAssist endpoint in order for the
// token's cloudaicompanionProject. An empty result with nil error means
// no endpoint knew a project; the caller falls back to its default.
func (d *ProjectDiscovery) DiscoverProject(ctx context.Context, token string) (string, error) {
	var lastErr error
	for _, endpoint := range config.LoadCodeAssistEndpoints {
		projectID, err := d.tryEndpoint(ctx, token, endpoint)
		if err != nil {
			d.log.Warn("[OAuth] loadCodeAssist failed at %s: %v", endpoint, err)
			lastErr = err
			continue
		}
		if projectID != "" {
			return projectID, nil
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", nil
}

func (d *ProjectDiscovery) tryEndpoint(ctx context.Context, token, endpoint string) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint+"/v1internal:loadCodeAssist", strings.NewReader(string(payload)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range config.UpstreamHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("loadCodeAssist returned %d", resp.StatusCode)
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", err
	}
	return extractProjectID(data), nil
}

// extractProjectID handles both shapes the API returns: a bare string
// or an object with an id field.
func extractProjectID(data map[string]interface{}) string {
	switch v := data["cloudaicompanionProject"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}
