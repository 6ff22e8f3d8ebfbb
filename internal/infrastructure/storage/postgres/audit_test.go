package postgres

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditService_PackRoundTrip(t *testing.T) {
	svc, err := NewAuditService(nil)
	require.NoError(t, err)
	defer svc.Close()

	small := []byte(`{"run_id":"x"}`)
	changes, compressed, algo := svc.pack(small)
	assert.Equal(t, CompressionNone, algo)
	assert.Nil(t, compressed)
	assert.Equal(t, small, []byte(changes))

	large := append([]byte(`{"errors":"`), bytes.Repeat([]byte("a"), 20*1024)...)
	large = append(large, '"', '}')
	changes, compressed, algo = svc.pack(large)
	require.Equal(t, CompressionZstd, algo)
	assert.Nil(t, changes)
	assert.Less(t, len(compressed), len(large))

	entry := AuditEntry{ChangesCompressed: compressed, CompressionAlgo: algo}
	require.NoError(t, svc.unpack(&entry))
	assert.Equal(t, large, []byte(entry.Changes))
	assert.Nil(t, entry.ChangesCompressed)

	rec := entry.record()
	assert.Equal(t, large, []byte(rec.Summary))
}
