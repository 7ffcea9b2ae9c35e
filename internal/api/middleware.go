package api

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/fpmatch/internal/observability"
)

// LoggingMiddleware logs each request with slog and records its latency.
// Metrics are labelled by route pattern so ids do not explode cardinality.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		}
		slog.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", duration.String(),
			"ip", c.ClientIP(),
		)

		observability.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			route,
			strconv.Itoa(status),
		).Observe(duration.Seconds())
	}
}
