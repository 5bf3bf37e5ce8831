package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/cloudcode"
)

// ModelsHandler serves GET /v1/models.
type ModelsHandler struct {
	client *cloudcode.Client
}

// NewModelsHandler builds a ModelsHandler.
func NewModelsHandler(client *cloudcode.Client) *ModelsHandler {
	return &ModelsHandler{client: client}
}

// ListModels returns the catalog in Anthropic list form. The client
// falls back to a static catalog, so this never fails.
func (h *ModelsHandler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, h.client.ListModels(c.Request.Context()))
}
