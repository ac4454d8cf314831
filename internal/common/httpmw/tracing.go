package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/claudecluster/claudecluster/internal/common/tracing"
)

// OtelTracing wraps each request in a span named after its route template,
// so every call to GET /tasks/:id lands under one span name with the task
// id as an attribute. A no-op when tracing is disabled (no
// OTEL_EXPORTER_OTLP_ENDPOINT).
func OtelTracing(service string) gin.HandlerFunc {
	tracer := tracing.Tracer(service)

	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+route)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		attrs := []attribute.KeyValue{
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRouteKey.String(route),
			semconv.HTTPResponseStatusCodeKey.Int(status),
		}
		if taskID := c.Param("id"); taskID != "" {
			attrs = append(attrs, attribute.String("task.id", taskID))
		}
		span.SetAttributes(attrs...)
		if status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
