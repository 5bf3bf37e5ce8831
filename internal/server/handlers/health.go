package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/account"
)

// HealthHandler serves GET /health.
type HealthHandler struct {
	manager *account.Manager
}

// NewHealthHandler builds a HealthHandler.
func NewHealthHandler(manager *account.Manager) *HealthHandler {
	return &HealthHandler{manager: manager}
}

type accountDetail struct {
	Email           string                 `json:"email"`
	Source          string                 `json:"source"`
	Status          string                 `json:"status"`
	Error           string                 `json:"error,omitempty"`
	LastUsed        string                 `json:"lastUsed,omitempty"`
	ModelRateLimits map[string]interface{} `json:"modelRateLimits,omitempty"`
	CooldownMs      int64                  `json:"cooldownRemainingMs,omitempty"`
}

// Health reports the pool summary plus per-account state. It reads
// only local bookkeeping; no upstream calls, so it is safe to poll.
func (h *HealthHandler) Health(c *gin.Context) {
	status := h.manager.GetStatus()
	pool := h.manager.Snapshot()
	nowMs := time.Now().UnixMilli()

	details := make([]accountDetail, 0, len(pool.Accounts))
	for _, acc := range pool.Accounts {
		detail := accountDetail{
			Email:           acc.Email,
			Source:          acc.Source,
			Status:          "ok",
			ModelRateLimits: make(map[string]interface{}, len(acc.ModelRateLimits)),
		}
		if acc.LastUsed != nil {
			detail.LastUsed = time.UnixMilli(*acc.LastUsed).Format(time.RFC3339)
		}

		var soonestReset int64
		for model, limit := range acc.ModelRateLimits {
			if limit.IsRateLimited && limit.ResetTime != nil && *limit.ResetTime > nowMs {
				if soonestReset == 0 || *limit.ResetTime < soonestReset {
					soonestReset = *limit.ResetTime
				}
			}
			detail.ModelRateLimits[model] = gin.H{
				"isRateLimited": limit.IsRateLimited,
				"resetTime":     limit.ResetTime,
			}
		}
		if soonestReset > 0 {
			detail.Status = "rate-limited"
			detail.CooldownMs = soonestReset - nowMs
		}

		if acc.IsInvalid {
			detail.Status = "invalid"
			if acc.InvalidReason != nil {
				detail.Error = *acc.InvalidReason
			}
		}

		details = append(details, detail)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"summary":   status.Summary,
		"counts": gin.H{
			"total":       status.Total,
			"available":   status.Available,
			"rateLimited": status.RateLimited,
			"invalid":     status.Invalid,
		},
		"accounts": details,
	})
}
