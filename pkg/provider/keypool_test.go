package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyPool_RoundRobin(t *testing.T) {
	pool := NewKeyPool([]string{"a", "b", "c"})

	var got []string
	for i := 0; i < 6; i++ {
		key, err := pool.Next()
		require.NoError(t, err)
		got = append(got, key)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestKeyPool_Empty(t *testing.T) {
	pool := NewKeyPool(nil)
	_, err := pool.Next()
	assert.Error(t, err)
}

func TestKeyPool_ParkedSkipped(t *testing.T) {
	now := time.Now()
	pool := NewKeyPool([]string{"a", "b"})
	pool.now = func() time.Time { return now }

	pool.Park("a", 30*time.Second)

	for i := 0; i < 3; i++ {
		key, err := pool.Next()
		require.NoError(t, err)
		assert.Equal(t, "b", key)
	}

	// Cool-down elapsed, key rejoins rotation.
	now = now.Add(time.Minute)
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		key, err := pool.Next()
		require.NoError(t, err)
		seen[key] = true
	}
	assert.True(t, seen["a"])
}

func TestKeyPool_AllParkedReturnsSoonest(t *testing.T) {
	now := time.Now()
	pool := NewKeyPool([]string{"a", "b"})
	pool.now = func() time.Time { return now }

	pool.Park("a", time.Minute)
	pool.Park("b", time.Hour)

	key, err := pool.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", key)
}
