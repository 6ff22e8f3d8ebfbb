package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallerID(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, SystemUserID, CallerID(ctx))

	ctx = WithUser(ctx, &UserContext{UserID: "u-42"})
	assert.Equal(t, "u-42", CallerID(ctx))
}

func TestTraceRoundTrip(t *testing.T) {
	tc := NewTraceContext()
	ctx := WithTrace(context.Background(), tc)

	assert.Same(t, tc, GetTrace(ctx))
	assert.Equal(t, tc.RequestID, GetRequestID(ctx))
	assert.Empty(t, GetRequestID(context.Background()))
}
