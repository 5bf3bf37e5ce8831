package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/config"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/pkg/anthropic"
)

// modelCatalogDate is the created_at reported for catalog entries; the
// upstream API does not expose release dates.
const modelCatalogDate = "2025-01-01T00:00:00Z"

// upstreamModelInfo is one entry of the fetchAvailableModels response.
type upstreamModelInfo struct {
	DisplayName string `json:"displayName,omitempty"`
}

type fetchModelsResponse struct {
	Models map[string]*upstreamModelInfo `json:"models,omitempty"`
}

// ListModels returns the model catalog in Anthropic form. It asks the
// upstream API when an authenticated account is at hand and falls back
// to the compiled-in catalog otherwise, so the endpoint works even
// with an empty or fully cooled-down pool.
func (c *Client) ListModels(ctx context.Context) *anthropic.ModelsResponse {
	acc := c.manager.Select("")
	if acc == nil {
		return staticModelCatalog()
	}
	token, err := c.resolver.GetToken(ctx, acc)
	if err != nil {
		return staticModelCatalog()
	}

	fetched, err := c.fetchAvailableModels(ctx, token)
	if err != nil {
		c.log.Debug("[CloudCode] Model fetch failed, using static catalog: %v", err)
		return staticModelCatalog()
	}

	out := &anthropic.ModelsResponse{Data: []anthropic.Model{}}
	for id, info := range fetched.Models {
		if !isSupportedModel(id) {
			continue
		}
		display := id
		if info != nil && info.DisplayName != "" {
			display = info.DisplayName
		}
		out.Data = append(out.Data, anthropic.Model{
			ID:          id,
			Type:        "model",
			DisplayName: display,
			CreatedAt:   modelCatalogDate,
		})
	}
	if len(out.Data) == 0 {
		return staticModelCatalog()
	}
	return out
}

// fetchAvailableModels queries the upstream catalog, trying each
// endpoint in order.
func (c *Client) fetchAvailableModels(ctx context.Context, token string) (*fetchModelsResponse, error) {
	headers := BuildHeaders(token, "", "")
	body, _ := json.Marshal(map[string]string{})

	var lastErr error
	for _, endpoint := range config.EndpointFallbacks {
		url := endpoint + "/v1internal:fetchAvailableModels"

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		client := &http.Client{Timeout: 30 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("fetchAvailableModels at %s: status %d", endpoint, resp.StatusCode)
			continue
		}

		var data fetchModelsResponse
		err = json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return &data, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoints configured")
	}
	return nil, lastErr
}

func isSupportedModel(id string) bool {
	family := config.GetModelFamily(id)
	return family == config.ModelFamilyClaude || family == config.ModelFamilyGemini
}

// staticModelCatalog lists the models known to work through this
// proxy, for use when the upstream catalog is unreachable.
func staticModelCatalog() *anthropic.ModelsResponse {
	out := &anthropic.ModelsResponse{Data: make([]anthropic.Model, 0, len(config.KnownModels))}
	for _, id := range config.KnownModels {
		out.Data = append(out.Data, anthropic.Model{
			ID:          id,
			Type:        "model",
			DisplayName: id,
			CreatedAt:   modelCatalogDate,
		})
	}
	return out
}
