// Package middleware provides HTTP middleware components.
package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stocksync/internal/core/apperror"
	appctx "stocksync/internal/core/context"
	"stocksync/pkg/logger"
)

// Recovery turns a handler panic into a 500 INTERNAL_ERROR and marks the request span as failed.
// The stack goes to the log only.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			ctx := c.Request.Context()
			panicErr := fmt.Errorf("panic: %v", rec)

			logger.Error(ctx, "panic recovered",
				"method", c.Request.Method,
				"route", c.FullPath(),
				"error", rec,
				"stack", string(debug.Stack()),
			)

			span := trace.SpanFromContext(ctx)
			span.RecordError(panicErr)
			span.SetStatus(codes.Error, "panic")

			_ = c.Error(apperror.NewInternal(panicErr).
				WithDetail("request_id", appctx.GetRequestID(ctx)))
			c.Abort()
		}()
		c.Next()
	}
}
