package lookup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvbridge/internal/codec"
)

func TestCacheRowsAreNotShared(t *testing.T) {
	c, err := NewCache(10, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	stored := &codec.Row{Kind: codec.Insert, Values: []any{int64(1), "oslo", []byte{1, 2}}}
	c.Set("user:1", stored)
	stored.Values[1] = "changed by writer"

	got, ok := c.Get("user:1")
	require.True(t, ok)
	assert.Equal(t, "oslo", got.Values[1])

	got.Values[1] = "changed by reader"
	got.Values[2].([]byte)[0] = 9

	again, ok := c.Get("user:1")
	require.True(t, ok)
	assert.Equal(t, []any{int64(1), "oslo", []byte{1, 2}}, again.Values)
}

func TestNewCacheNeedsBounds(t *testing.T) {
	_, err := NewCache(0, time.Minute)
	assert.Error(t, err)
	_, err = NewCache(10, 0)
	assert.Error(t, err)
}
