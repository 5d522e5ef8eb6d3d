package dedup

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddAndSeen(t *testing.T) {
	c, err := New(DefaultCapacity)
	require.NoError(t, err)

	require.False(t, c.Seen(42))
	require.True(t, c.Add(42), "first Add should report new")
	require.True(t, c.Seen(42))
	require.False(t, c.Add(42), "second Add should report duplicate")
}

func TestFIFOEviction(t *testing.T) {
	c, err := New(100)
	require.NoError(t, err)

	for n := int64(1); n <= 101; n++ {
		require.True(t, c.Add(n))
	}

	// 101 inserts into a 100-slot cache push out the oldest nonce only.
	require.False(t, c.Seen(1), "oldest nonce should be evicted")
	for n := int64(2); n <= 101; n++ {
		require.True(t, c.Seen(n), "nonce %d should survive", n)
	}
	require.Equal(t, 100, c.Len())
}

func TestInvalidCapacity(t *testing.T) {
	_, err := New(0)
	require.Error(t, err)
}
