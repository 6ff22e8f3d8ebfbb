package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailedUpdate_Backoff(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	msg := &OutboxMessage{ID: uuid.New(), RetryCount: 1}

	q := failedUpdate(msg, errors.New("broker down"), now)
	require.Len(t, q.Args, 4)
	assert.Equal(t, "broker down", q.Args[0])
	assert.Equal(t, now.Add(2*time.Minute), q.Args[1])
	assert.Equal(t, OutboxStatusPending, q.Args[2])
	assert.Equal(t, msg.ID, q.Args[3])
}

func TestFailedUpdate_ParksAfterMaxRetries(t *testing.T) {
	msg := &OutboxMessage{RetryCount: MaxOutboxRetries - 1}
	q := failedUpdate(msg, errors.New("x"), time.Now())
	assert.Equal(t, OutboxStatusFailed, q.Args[2])
}

func TestLogHandler_RejectsBadPayload(t *testing.T) {
	h := LogHandler()
	err := h.Handle(context.Background(), &OutboxMessage{EventType: EventRunFinalized, Payload: []byte("{")})
	assert.Error(t, err)

	err = h.Handle(context.Background(), &OutboxMessage{EventType: EventRunFinalized, Payload: []byte(`{"run_id":"` + uuid.NewString() + `","status":"succeeded"}`)})
	assert.NoError(t, err)
}
