package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/claudecluster/claudecluster/internal/common/logger"
)

// RequestLogger logs one line per API request after the handler completes.
// The component tag separates coordinator and worker lines when both ends
// run in one process. Requests carrying a task id route param get it as a
// field so a task's submit, poll, stream, and cancel calls can be grepped
// together.
func RequestLogger(log *logger.Logger, component string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("component", component),
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if taskID := c.Param("id"); taskID != "" {
			fields = append(fields, zap.String("task_id", taskID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Debug("request", fields...)
		}
	}
}
