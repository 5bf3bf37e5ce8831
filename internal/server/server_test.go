package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/account"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/cloudcode"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/config"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/utils"
)

type memStore struct {
	mu   sync.Mutex
	pool *account.Pool
}

func (s *memStore) Load(context.Context) (*account.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return account.NewPool(), nil
	}
	return s.pool.Clone(), nil
}

func (s *memStore) Save(_ context.Context, pool *account.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool = pool.Clone()
	return nil
}

// newTestServer builds the full HTTP surface against an optional fake
// upstream. configure may adjust the config before wiring.
func newTestServer(t *testing.T, accounts []*account.Account, upstream http.Handler, configure func(*config.Config)) (*Server, *account.Manager) {
	t.Helper()

	if upstream != nil {
		srv := httptest.NewServer(upstream)
		t.Cleanup(srv.Close)
		prev := config.EndpointFallbacks
		config.EndpointFallbacks = []string{srv.URL}
		t.Cleanup(func() { config.EndpointFallbacks = prev })
	}

	cfg := config.Default()
	cfg.MaxRetries = 2
	cfg.RetryBaseMs = 1
	cfg.RetryMaxMs = 2
	cfg.MaxWaitBeforeErrorMs = 50
	if configure != nil {
		configure(cfg)
	}

	pool := account.NewPool()
	pool.Accounts = accounts
	store := &memStore{pool: pool}

	log := utils.NewLogger(false)
	manager := account.NewManager(store, nil, cfg.StickyWindowMs, log)
	require.NoError(t, manager.Initialize(context.Background()))

	resolver := account.NewResolver(account.ResolverOptions{Manager: manager, Logger: log})
	client := cloudcode.NewClient(manager, resolver, cfg, log)

	return New(cfg, manager, resolver, client, log), manager
}

func manualAccount(email, key string) *account.Account {
	return &account.Account{
		Email:           email,
		Source:          account.SourceManual,
		APIKey:          key,
		ProjectID:       "proj",
		ModelRateLimits: map[string]account.ModelRateLimit{},
	}
}

func doRequest(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

func upstreamText(text string) http.Handler {
	body := "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"" + text + "\"}],\"role\":\"model\"},\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"promptTokenCount\":10,\"candidatesTokenCount\":4}}}\n\ndata: [DONE]\n"
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(body))
	})
}

func errorType(t *testing.T, body []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	return envelope.Error.Type
}

func TestHealthEndpoint(t *testing.T) {
	srv, manager := newTestServer(t, []*account.Account{
		manualAccount("a@x.com", "key-a"),
		manualAccount("b@x.com", "key-b"),
	}, nil, nil)

	reset := int64(60_000)
	manager.MarkRateLimited("b@x.com", &reset, "claude-sonnet-4-5")

	w := doRequest(srv, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status string `json:"status"`
		Counts struct {
			Total       int `json:"total"`
			Available   int `json:"available"`
			RateLimited int `json:"rateLimited"`
		} `json:"counts"`
		Accounts []struct {
			Email  string `json:"email"`
			Status string `json:"status"`
		} `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, 2, resp.Counts.Total)
	require.Equal(t, 1, resp.Counts.Available)
	require.Equal(t, 1, resp.Counts.RateLimited)

	statuses := map[string]string{}
	for _, acc := range resp.Accounts {
		statuses[acc.Email] = acc.Status
	}
	require.Equal(t, "ok", statuses["a@x.com"])
	require.Equal(t, "rate-limited", statuses["b@x.com"])
}

func TestAPIKeyAuth(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil, func(cfg *config.Config) {
		cfg.APIKey = "secret"
	})

	t.Run("missing key is rejected", func(t *testing.T) {
		w := doRequest(srv, http.MethodGet, "/v1/models", "", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
		require.Equal(t, "authentication_error", errorType(t, w.Body.Bytes()))
	})

	t.Run("wrong key is rejected", func(t *testing.T) {
		w := doRequest(srv, http.MethodGet, "/v1/models", "", map[string]string{
			"Authorization": "Bearer nope",
		})
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("bearer token is accepted", func(t *testing.T) {
		w := doRequest(srv, http.MethodGet, "/v1/models", "", map[string]string{
			"Authorization": "Bearer secret",
		})
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("x-api-key header is accepted", func(t *testing.T) {
		w := doRequest(srv, http.MethodGet, "/v1/models", "", map[string]string{
			"X-API-Key": "secret",
		})
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("health stays open", func(t *testing.T) {
		w := doRequest(srv, http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
	})
}

func TestAPIKeyAuthOpenWhenUnconfigured(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil, nil)
	w := doRequest(srv, http.MethodGet, "/v1/models", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil, nil)

	w := doRequest(srv, http.MethodOptions, "/v1/messages", "", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "anthropic-version")
}

func TestSilentTelemetryEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil, nil)

	for _, path := range []string{"/", "/api/event_logging/batch"} {
		w := doRequest(srv, http.MethodPost, path, `{"events":[]}`, nil)
		require.Equal(t, http.StatusOK, w.Code, path)
		require.Contains(t, w.Body.String(), `"ok"`)
	}
}

func TestMessagesValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil, nil)

	t.Run("malformed json", func(t *testing.T) {
		w := doRequest(srv, http.MethodPost, "/v1/messages", "{not json", nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Equal(t, "invalid_request_error", errorType(t, w.Body.Bytes()))
	})

	t.Run("missing model", func(t *testing.T) {
		w := doRequest(srv, http.MethodPost, "/v1/messages",
			`{"messages":[{"role":"user","content":"hi"}]}`, nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "model is required")
	})

	t.Run("empty messages", func(t *testing.T) {
		w := doRequest(srv, http.MethodPost, "/v1/messages",
			`{"model":"claude-sonnet-4-5","messages":[]}`, nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "non-empty")
	})
}

func TestMessagesUnary(t *testing.T) {
	srv, _ := newTestServer(t,
		[]*account.Account{manualAccount("a@x.com", "key-a")},
		upstreamText("Hello from upstream"), nil)

	w := doRequest(srv, http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":128,"messages":[{"role":"user","content":"hi"}]}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "assistant", resp.Role)
	require.Equal(t, "Hello from upstream", resp.Content[0].Text)
	require.Equal(t, "end_turn", resp.StopReason)
}

func TestMessagesModelMapping(t *testing.T) {
	var gotModel string
	var mu sync.Mutex
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		gotModel = payload.Model
		mu.Unlock()
		upstreamText("mapped").ServeHTTP(w, r)
	})

	srv, _ := newTestServer(t,
		[]*account.Account{manualAccount("a@x.com", "key-a")},
		upstream, func(cfg *config.Config) {
			cfg.ModelMapping = map[string]string{"claude-3-5-haiku-20241022": "gemini-3-flash"}
		})

	w := doRequest(srv, http.MethodPost, "/v1/messages",
		`{"model":"claude-3-5-haiku-20241022","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "gemini-3-flash", gotModel)
}

func TestMessagesStreaming(t *testing.T) {
	srv, _ := newTestServer(t,
		[]*account.Account{manualAccount("a@x.com", "key-a")},
		upstreamText("streamed"), nil)

	w := doRequest(srv, http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	require.Contains(t, body, "event: message_start")
	require.Contains(t, body, "event: content_block_delta")
	require.Contains(t, body, `"text":"streamed"`)
	require.Contains(t, body, "event: message_stop")
}

func TestMessagesStreamingDeliversEveryEvent(t *testing.T) {
	// The producer goroutine usually wins the race and closes both of
	// its channels while events are still buffered; the handler must
	// keep draining them instead of returning on the closed error
	// channel. Repeat to cover both select orderings.
	srv, _ := newTestServer(t,
		[]*account.Account{manualAccount("a@x.com", "key-a")},
		upstreamText("streamed"), nil)

	for i := 0; i < 20; i++ {
		w := doRequest(srv, http.MethodPost, "/v1/messages",
			`{"model":"claude-sonnet-4-5","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
		require.Equal(t, http.StatusOK, w.Code)

		body := w.Body.String()
		start := strings.Index(body, "event: message_start")
		delta := strings.Index(body, "event: content_block_delta")
		stop := strings.Index(body, "event: message_stop")
		require.GreaterOrEqual(t, start, 0, "run %d: %s", i, body)
		require.Greater(t, delta, start, "run %d: %s", i, body)
		require.Greater(t, stop, delta, "run %d: %s", i, body)
	}
}

func TestMessagesStreamingFailureBeforeStart(t *testing.T) {
	// No accounts: dispatch fails before any event, so the handler must
	// answer with a JSON error instead of an SSE body.
	srv, _ := newTestServer(t, nil, nil, nil)

	w := doRequest(srv, http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)

	require.NotEqual(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "application/json")
	require.NotEmpty(t, errorType(t, w.Body.Bytes()))
}

func TestCountTokensStub(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil, nil)

	w := doRequest(srv, http.MethodPost, "/v1/messages/count_tokens",
		`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`, nil)
	require.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestModelsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil, nil)

	w := doRequest(srv, http.MethodGet, "/v1/models", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, len(config.KnownModels))
}

func TestRefreshTokenEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil, nil)

	w := doRequest(srv, http.MethodPost, "/refresh-token", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "Credential caches cleared")
}

func TestUnknownRoute(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil, nil)

	w := doRequest(srv, http.MethodGet, "/nope", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "not_found_error", errorType(t, w.Body.Bytes()))
}
