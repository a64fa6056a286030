// health_handler.go -- Health check handler for GET /health.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ticketera/auth/internal/store"
)

// HealthChecker pings a dependency.
// Satisfied by the account stores and *store.RedisRateLimiter.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// CheckHealth handles GET /health. Reports per-dependency status:
// 200 if everything configured is up, 503 otherwise.
func (h *AuthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := checkComponent(r, "database", h.DB)
	cacheStatus := checkComponent(r, "cache", h.Cache)

	w.Header().Set("Content-Type", "application/json")
	if dbStatus == "error" || cacheStatus == "error" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(struct {
		Database string `json:"database"`
		Cache    string `json:"cache"`
	}{dbStatus, cacheStatus})
}

func checkComponent(r *http.Request, name string, c HealthChecker) string {
	if c == nil {
		return "disabled"
	}
	if err := c.CheckHealth(r.Context()); err != nil {
		if errors.Is(err, store.ErrCacheDisabled) {
			return "disabled"
		}
		logError(r, name+" health check failed", "error", err)
		return "error"
	}
	return "ok"
}
