package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/config"
)

// The interactive authorization flow used by the accounts CLI: build a
// consent URL with PKCE, catch the redirect on a loopback server (or
// accept a pasted code in headless mode), and exchange the code for a
// refresh token.

// PKCE is a code verifier/challenge pair.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE returns a fresh verifier and its S256 challenge.
func GeneratePKCE() (*PKCE, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	return &PKCE{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}

// AuthorizationURL is a ready-to-open consent URL plus the secrets
// needed to finish the exchange.
type AuthorizationURL struct {
	URL      string
	Verifier string
	State    string
}

// BuildAuthorizationURL assembles the Google consent URL. redirectURI
// defaults to the loopback callback.
func BuildAuthorizationURL(redirectURI string) (*AuthorizationURL, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}

	stateRaw := make([]byte, 16)
	if _, err := rand.Read(stateRaw); err != nil {
		return nil, fmt.Errorf("generating state: %w", err)
	}
	state := hex.EncodeToString(stateRaw)

	if redirectURI == "" {
		redirectURI = config.OAuthRedirectURI()
	}

	params := url.Values{
		"client_id":             {config.OAuthConfig.ClientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"scope":                 {strings.Join(config.OAuthConfig.Scopes, " ")},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}

	return &AuthorizationURL{
		URL:      config.OAuthConfig.AuthURL + "?" + params.Encode(),
		Verifier: pkce.Verifier,
		State:    state,
	}, nil
}

// ExtractedCode is an authorization code pulled from user input.
type ExtractedCode struct {
	Code  string
	State string
}

// ExtractCode accepts either a full callback URL or a bare code, for
// headless machines where the redirect cannot be caught locally.
func ExtractCode(input string) (*ExtractedCode, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, fmt.Errorf("no input provided")
	}

	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid callback URL")
		}
		if errParam := parsed.Query().Get("error"); errParam != "" {
			return nil, fmt.Errorf("authorization failed: %s", errParam)
		}
		code := parsed.Query().Get("code")
		if code == "" {
			return nil, fmt.Errorf("no authorization code in URL")
		}
		return &ExtractedCode{Code: code, State: parsed.Query().Get("state")}, nil
	}

	if len(trimmed) < 10 {
		return nil, fmt.Errorf("input too short to be an authorization code")
	}
	return &ExtractedCode{Code: trimmed}, nil
}

// CallbackServer catches the OAuth redirect on localhost.
type CallbackServer struct {
	expectedState string
	codeCh        chan string
	errCh         chan error
}

// NewCallbackServer builds a callback listener bound to expectedState.
func NewCallbackServer(expectedState string) *CallbackServer {
	return &CallbackServer{
		expectedState: expectedState,
		codeCh:        make(chan string, 1),
		errCh:         make(chan error, 1),
	}
}

// Wait serves the callback endpoint until a code arrives, the consent
// fails, or ctx expires. It tries the primary port, then the fallback
// ports.
func (cs *CallbackServer) Wait(ctx context.Context) (string, error) {
	ports := append([]int{config.OAuthConfig.CallbackPort}, config.OAuthConfig.FallbackPorts...)

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-callback", cs.handleCallback)
	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	var lastErr error
	for _, port := range ports {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			lastErr = err
			continue
		}

		go func() {
			if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
				cs.errCh <- err
			}
		}()
		defer srv.Shutdown(context.Background())

		select {
		case code := <-cs.codeCh:
			return code, nil
		case err := <-cs.errCh:
			return "", err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	return "", fmt.Errorf("no callback port available: %v", lastErr)
}

func (cs *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	fail := func(msg string) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, callbackPage, "Authentication failed", msg)
	}

	if errParam := query.Get("error"); errParam != "" {
		fail("Error: " + errParam)
		cs.errCh <- fmt.Errorf("authorization failed: %s", errParam)
		return
	}
	if query.Get("state") != cs.expectedState {
		fail("State mismatch.")
		cs.errCh <- fmt.Errorf("state mismatch in callback")
		return
	}
	code := query.Get("code")
	if code == "" {
		fail("No authorization code received.")
		cs.errCh <- fmt.Errorf("callback carried no code")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, callbackPage, "Authentication successful", "You can close this window and return to the terminal.")
	cs.codeCh <- code
}

const callbackPage = `<html><head><meta charset="UTF-8"><title>%[1]s</title></head>
<body style="font-family: system-ui; padding: 40px; text-align: center;">
<h1>%[1]s</h1><p>%[2]s</p></body></html>`

// ExchangedTokens is the result of an authorization-code exchange.
type ExchangedTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// ExchangeCode trades an authorization code for tokens.
func ExchangeCode(ctx context.Context, code, verifier string) (*ExchangedTokens, error) {
	form := url.Values{
		"client_id":     {config.OAuthConfig.ClientID},
		"client_secret": {config.OAuthConfig.ClientSecret},
		"code":          {code},
		"code_verifier": {verifier},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {config.OAuthRedirectURI()},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		config.OAuthConfig.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token exchange failed (%d): %s", resp.StatusCode, body)
	}

	var tokens ExchangedTokens
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if tokens.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token granted; revoke access at myaccount.google.com and retry")
	}
	return &tokens, nil
}

// FlowResult is a completed sign-in.
type FlowResult struct {
	Email        string
	RefreshToken string
}

// CompleteFlow exchanges the code and resolves the account email.
func CompleteFlow(ctx context.Context, code, verifier string) (*FlowResult, error) {
	tokens, err := ExchangeCode(ctx, code, verifier)
	if err != nil {
		return nil, err
	}

	refresher := NewOAuthRefresher(nil, nil)
	email, err := refresher.GetUserEmail(ctx, tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("resolving account email: %w", err)
	}

	return &FlowResult{Email: email, RefreshToken: tokens.RefreshToken}, nil
}
