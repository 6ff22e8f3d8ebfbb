package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"stocksync/pkg/logger"
)

// Logger middleware logs HTTP requests with timing and status.
// Liveness and metrics scrapes are logged at debug level.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		fields := []any{
			"method", c.Request.Method,
			"path", path,
			"query", query,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"user_agent", c.Request.UserAgent(),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "error", c.Errors.ByType(gin.ErrorTypePrivate).String())
		}

		l := log.WithContext(c.Request.Context())
		switch path {
		case "/health/live", "/metrics":
			l.Debugw("http request", fields...)
		default:
			l.Infow("http request", fields...)
		}
	}
}
