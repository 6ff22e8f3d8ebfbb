package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	appctx "stocksync/internal/core/context"
)

const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
)

// GatewayIdentity takes the caller identity from headers set by a trusted
// gateway. It is used when no JWT secret is configured.
//
// Usage in router:
//
//	api.Use(middleware.GatewayIdentity())
func GatewayIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if uid := strings.TrimSpace(c.GetHeader(HeaderUserID)); uid != "" {
			setUser(c, &appctx.UserContext{
				UserID: uid,
				Email:  strings.TrimSpace(c.GetHeader(HeaderUserEmail)),
			})
		}
		c.Next()
	}
}
