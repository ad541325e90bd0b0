package noncecache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_PutGetRoundTrip(t *testing.T) {
	c, err := Open(t.TempDir(), time.Hour)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put("turn.example.org:3478", "example.org", "n0nce"))
	e, ok := c.Get("turn.example.org:3478")
	require.True(t, ok)
	assert.Equal(t, "example.org", e.Realm)
	assert.Equal(t, "n0nce", e.Nonce)
}

func TestCache_MissingKeyReportsNotFound(t *testing.T) {
	c, err := Open(t.TempDir(), time.Hour)
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Get("unknown")
	assert.False(t, ok)
}

func TestCache_ExpiredEntryIsTreatedAsMissing(t *testing.T) {
	c, err := Open(t.TempDir(), -time.Second) // already expired as soon as it's written
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put("turn.example.org:3478", "example.org", "n0nce"))
	_, ok := c.Get("turn.example.org:3478")
	assert.False(t, ok)
}

func TestCache_DeleteRemovesEntry(t *testing.T) {
	c, err := Open(t.TempDir(), time.Hour)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put("k", "r", "n"))
	require.NoError(t, c.Delete("k"))
	_, ok := c.Get("k")
	assert.False(t, ok)
}
