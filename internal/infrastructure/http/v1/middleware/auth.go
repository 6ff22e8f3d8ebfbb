package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"stocksync/internal/core/apperror"
	appctx "stocksync/internal/core/context"
)

// JWTValidator interface for token validation.
type JWTValidator interface {
	ValidateToken(tokenString string) (*appctx.UserContext, error)
}

// Auth middleware validates JWT tokens and populates user context.
func Auth(validator JWTValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			abortUnauthorized(c, "invalid authorization header format")
			return
		}

		user, err := validator.ValidateToken(parts[1])
		if err != nil {
			_ = c.Error(apperror.NewUnauthorized("invalid token").WithCause(err))
			c.Abort()
			return
		}

		setUser(c, user)
		c.Next()
	}
}

func setUser(c *gin.Context, user *appctx.UserContext) {
	c.Request = c.Request.WithContext(appctx.WithUser(c.Request.Context(), user))
	c.Set("user_id", user.UserID)
}

func abortUnauthorized(c *gin.Context, message string) {
	_ = c.Error(apperror.NewUnauthorized(message))
	c.Abort()
}
