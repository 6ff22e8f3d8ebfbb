package dto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocksync/internal/domain/syncrun"
)

func TestListRunsRequest_Filter(t *testing.T) {
	f, err := ListRunsRequest{}.Filter()
	require.NoError(t, err)
	assert.Nil(t, f.Status)
	assert.Equal(t, 20, f.Limit)

	f, err = ListRunsRequest{Status: "partial", Limit: 5, Offset: 2}.Filter()
	require.NoError(t, err)
	require.NotNil(t, f.Status)
	assert.Equal(t, syncrun.StatusPartial, *f.Status)
	assert.Equal(t, 5, f.Limit)
	assert.Equal(t, 2, f.Offset)

	_, err = ListRunsRequest{Status: "bogus"}.Filter()
	assert.Error(t, err)
}
