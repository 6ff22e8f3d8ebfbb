package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthHandler_Ready(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name string
		db   Pinger
		want int
	}{
		{"no database", nil, http.StatusOK},
		{"healthy", pingerFunc(func(context.Context) error { return nil }), http.StatusOK},
		{"down", pingerFunc(func(context.Context) error { return errors.New("refused") }), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.db, "dev")
			r := gin.New()
			r.GET("/ready", h.Ready)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
