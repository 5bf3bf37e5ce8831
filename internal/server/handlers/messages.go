// Package handlers implements the HTTP endpoints.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/cloudcode"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/config"
	apperrors "github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/errors"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/server/sse"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/utils"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/pkg/anthropic"
)

// defaultMaxTokens is applied when the client omits max_tokens.
const defaultMaxTokens = 4096

// MessagesHandler serves POST /v1/messages.
type MessagesHandler struct {
	client *cloudcode.Client
	cfg    *config.Config
	log    *utils.Logger
}

// NewMessagesHandler builds a MessagesHandler.
func NewMessagesHandler(client *cloudcode.Client, cfg *config.Config, log *utils.Logger) *MessagesHandler {
	return &MessagesHandler{client: client, cfg: cfg, log: log}
}

// Messages handles POST /v1/messages, both streaming and unary.
func (h *MessagesHandler) Messages(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error",
			"Invalid request body: "+err.Error())
		return
	}

	if req.Model == "" {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if len(req.Messages) == 0 {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error",
			"messages is required and must be a non-empty array")
		return
	}

	if mapped := h.cfg.MapModel(req.Model); mapped != req.Model {
		h.log.Info("[API] Mapping model %s -> %s", req.Model, mapped)
		req.Model = mapped
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = defaultMaxTokens
	}

	h.log.Info("[API] Request for model %s, stream=%t", req.Model, req.Stream)

	if req.Stream {
		h.streaming(c, &req)
		return
	}
	h.unary(c, &req)
}

func (h *MessagesHandler) unary(c *gin.Context, req *anthropic.MessagesRequest) {
	resp, err := h.client.Complete(c.Request.Context(), req, h.cfg.FallbackEnabled)
	if err != nil {
		h.log.Error("[API] %v", err)
		c.JSON(apperrors.HTTPStatus(err), apperrors.Envelope(err))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// streaming pulls the first event before committing to SSE headers, so
// dispatch failures still produce a proper JSON error with the right
// status code.
func (h *MessagesHandler) streaming(c *gin.Context, req *anthropic.MessagesRequest) {
	ctx := c.Request.Context()
	events, errs := h.client.Stream(ctx, req, h.cfg.FallbackEnabled)

	var first *anthropic.SSEEvent
	select {
	case ev, ok := <-events:
		if !ok {
			err := <-errs
			if err == nil {
				err = &cloudcode.EmptyResponseError{Message: "no response received"}
			}
			h.log.Error("[API] Stream failed before start: %v", err)
			c.JSON(apperrors.HTTPStatus(err), apperrors.Envelope(err))
			return
		}
		first = ev
	case err, ok := <-errs:
		if ok && err != nil {
			h.log.Error("[API] Stream failed before start: %v", err)
			c.JSON(apperrors.HTTPStatus(err), apperrors.Envelope(err))
			return
		}
		// The producer finished; events may still hold buffered
		// output. A nil channel keeps the loop draining events.
		errs = nil
	case <-ctx.Done():
		return
	}

	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		h.sendError(c, http.StatusInternalServerError, "api_error", "Streaming not supported")
		return
	}

	c.Status(http.StatusOK)
	writer.SetHeaders()
	writer.Flush()

	if first != nil {
		if err := writer.WriteEvent(string(first.Type), first); err != nil {
			return
		}
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writer.WriteEvent(string(ev.Type), ev); err != nil {
				h.log.Debug("[API] Client disconnected mid-stream: %v", err)
				return
			}
		case err, ok := <-errs:
			if !ok {
				// Producer done. Keep draining buffered events
				// until the events channel closes too.
				errs = nil
				continue
			}
			if err != nil {
				h.log.Error("[API] Mid-stream failure: %v", err)
				writer.WriteError(apperrors.AnthropicType(err), err.Error())
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// CountTokens handles POST /v1/messages/count_tokens. The upstream
// surface has no counting call, so this is a stub that keeps clients
// from failing hard.
func (h *MessagesHandler) CountTokens(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, anthropic.NewErrorResponse("not_implemented",
		"Token counting is not supported; configure your client to skip it."))
}

func (h *MessagesHandler) sendError(c *gin.Context, status int, errorType, message string) {
	c.JSON(status, anthropic.NewErrorResponse(errorType, message))
}
