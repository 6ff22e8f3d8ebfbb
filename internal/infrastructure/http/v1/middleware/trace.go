package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	appctx "stocksync/internal/core/context"
)

const (
	HeaderRequestID = "X-Request-ID"
	HeaderTraceID   = "X-Trace-ID"
)

var tracer = otel.Tracer("stocksync/http")

// Trace middleware adds request tracing context and a server span.
// Extracts or generates trace IDs for log correlation.
func Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", c.Request.Method),
				attribute.String("http.route", route),
				attribute.String("request_id", requestID),
			))
		defer span.End()

		traceID := c.GetHeader(HeaderTraceID)
		if traceID == "" {
			if sc := span.SpanContext(); sc.HasTraceID() {
				traceID = sc.TraceID().String()
			} else {
				traceID = uuid.New().String()
			}
		}

		tc := &appctx.TraceContext{
			TraceID:   traceID,
			SpanID:    uuid.New().String()[:16],
			RequestID: requestID,
		}
		c.Request = c.Request.WithContext(appctx.WithTrace(ctx, tc))

		c.Set("trace_id", traceID)
		c.Set("request_id", requestID)
		c.Header(HeaderRequestID, requestID)
		c.Header(HeaderTraceID, traceID)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, c.Errors.String())
		}
	}
}
