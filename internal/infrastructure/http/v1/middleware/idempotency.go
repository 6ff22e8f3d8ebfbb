package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"stocksync/internal/core/apperror"
	appctx "stocksync/internal/core/context"
	"stocksync/internal/infrastructure/storage/postgres"
	"stocksync/pkg/logger"
)

const HeaderIdempotencyKey = "X-Idempotency-Key"
const maxIdempotencyBodyBytes = 1 << 20 // 1 MiB

// IdempotencyStore persists idempotency keys and their responses.
type IdempotencyStore interface {
	AcquireKey(ctx context.Context, key, userID, operation, requestHash string) (*postgres.IdempotencyReplay, error)
	CompleteKey(ctx context.Context, key string, statusCode int, contentType string, body []byte) error
	ReleaseKey(ctx context.Context, key string) error
}

// capturingWriter tees the response body for storage.
type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *capturingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency middleware replays the stored response of a POST repeated with the
// same X-Idempotency-Key. Responses written by the handler are stored; errors
// rendered by the error middleware release the key so the request can be retried.
func Idempotency(store IdempotencyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost {
			c.Next()
			return
		}

		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}

		userID := ""
		if user := appctx.GetUser(c.Request.Context()); user != nil {
			userID = user.UserID
		}

		// Hash request body
		limited := io.LimitReader(c.Request.Body, maxIdempotencyBodyBytes+1)
		body, _ := io.ReadAll(limited)
		if len(body) > maxIdempotencyBodyBytes {
			appErr := apperror.NewValidation("request body too large for idempotency")
			appErr.HTTPStatus = http.StatusRequestEntityTooLarge
			_ = c.Error(appErr.WithDetail("max_bytes", maxIdempotencyBodyBytes))
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		hash := sha256.Sum256(body)
		requestHash := hex.EncodeToString(hash[:])

		operation := c.Request.Method + " " + c.FullPath()

		replay, err := store.AcquireKey(c.Request.Context(), key, userID, operation, requestHash)
		if err != nil {
			if appErr, ok := apperror.AsAppError(err); ok {
				_ = c.Error(appErr)
				c.Abort()
				return
			}
			_ = c.Error(apperror.NewInternal(err).WithDetail("component", "idempotency"))
			c.Abort()
			return
		}

		if replay != nil {
			c.Header("Idempotent-Replayed", "true")
			c.Data(replay.StatusCode, replay.ContentType, replay.Body)
			c.Abort()
			return
		}

		w := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		ctx := context.WithoutCancel(c.Request.Context())
		if w.Written() {
			if err := store.CompleteKey(ctx, key, w.Status(), w.Header().Get("Content-Type"), w.body.Bytes()); err != nil {
				logger.Error(ctx, "failed to store idempotent response", "key", key, "error", err)
			}
			return
		}
		if err := store.ReleaseKey(ctx, key); err != nil {
			logger.Error(ctx, "failed to release idempotency key", "key", key, "error", err)
		}
	}
}
