package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

type SystemHandler struct {
	checks map[string]Check
}

// NewSystemHandler builds the readiness probe over the named checks. Nil
// checks are skipped, so optional dependencies can be passed unconditionally.
func NewSystemHandler(checks map[string]Check) *SystemHandler {
	active := make(map[string]Check, len(checks))
	for name, check := range checks {
		if check != nil {
			active[name] = check
		}
	}
	return &SystemHandler{checks: active}
}

func (h *SystemHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *SystemHandler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	results := map[string]string{}
	healthy := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			healthy = false
		} else {
			results[name] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status": map[bool]string{true: "ready", false: "not ready"}[healthy],
		"checks": results,
	})
}
