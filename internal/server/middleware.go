package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/config"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/utils"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/pkg/anthropic"
)

// CORSMiddleware answers preflight requests and opens the API to
// browser clients.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, anthropic-version, anthropic-beta")
		h.Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// APIKeyAuthMiddleware guards the /v1 surface. When no key is
// configured the proxy is open, matching local-only use.
func APIKeyAuthMiddleware(cfg *config.Config, log *utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APIKey == "" {
			c.Next()
			return
		}

		var provided string
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			provided = strings.TrimPrefix(auth, "Bearer ")
		} else if key := c.GetHeader("X-API-Key"); key != "" {
			provided = key
		}

		if provided != cfg.APIKey {
			log.Warn("[API] Rejected request from %s: bad API key", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				anthropic.NewErrorResponse("authentication_error", "Invalid or missing API key"))
			return
		}
		c.Next()
	}
}

// RequestLoggingMiddleware logs one line per request, leveled by
// status. Chatty client housekeeping endpoints only log in debug mode.
func RequestLoggingMiddleware(log *utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		elapsed := time.Since(start).Milliseconds()

		quiet := path == "/api/event_logging/batch" ||
			strings.HasPrefix(path, "/v1/messages/count_tokens") ||
			strings.HasPrefix(path, "/.well-known/")
		if quiet {
			log.Debug("[%s] %s %d (%dms)", c.Request.Method, path, status, elapsed)
			return
		}

		switch {
		case status >= 500:
			log.Error("[%s] %s %d (%dms)", c.Request.Method, path, status, elapsed)
		case status >= 400:
			log.Warn("[%s] %s %d (%dms)", c.Request.Method, path, status, elapsed)
		default:
			log.Info("[%s] %s %d (%dms)", c.Request.Method, path, status, elapsed)
		}
	}
}

// BodyLimitMiddleware caps request bodies; oversized requests fail at
// read time instead of buffering unbounded input.
func BodyLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, config.RequestBodyLimit)
		c.Next()
	}
}

// SilentHandlerMiddleware acknowledges Claude Code's telemetry posts
// without logging them.
func SilentHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost &&
			(c.Request.URL.Path == "/api/event_logging/batch" || c.Request.URL.Path == "/") {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			c.Abort()
			return
		}
		c.Next()
	}
}
