package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheSetGetRoundTrip(t *testing.T) {
	c := NewMemoryCache(10, 0)
	defer c.Stop()

	c.Set("k1", "v1", time.Minute)
	v, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestMemoryCacheExpiresLazily(t *testing.T) {
	c := NewMemoryCache(10, 0)
	defer c.Stop()

	c.Set("k1", "v1", -time.Second) // already expired
	_, ok := c.Get("k1")
	assert.False(t, ok)
}

func TestMemoryCacheEvictsAtCapacity(t *testing.T) {
	c := NewMemoryCache(2, 0)
	defer c.Stop()

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)
	c.Set("c", 3, time.Minute)

	stats := c.Stats()
	assert.LessOrEqual(t, stats.Size, 2)
}

func TestDigestKeyIdempotentForEquivalentRequests(t *testing.T) {
	req := map[string]interface{}{"prompt": "hello", "n": 1}
	k1 := DigestKey("vm-a", req)
	k2 := DigestKey("vm-a", req)
	assert.Equal(t, k1, k2)

	k3 := DigestKey("vm-b", req)
	assert.NotEqual(t, k1, k3)
}
