package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openroute/gasflow/core"
	"github.com/openroute/gasflow/resilience"
)

func testClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewWithClient(rdb, nil)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestSetGetRoundTrip(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))

	value, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", value)
}

func TestGetMissing(t *testing.T) {
	c, _ := testClient(t)

	_, found, err := c.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, found)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Misses)
}

func TestTTLExpiry(t *testing.T) {
	c, mr := testClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", "v", time.Second))
	mr.FastForward(2 * time.Second)

	_, found, err := c.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found, "value must be gone after TTL")
}

func TestJSONEncodingWithStringPassthrough(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetValue(ctx, "compound", map[string]interface{}{"meters": 1200.0}, 0))
	require.NoError(t, c.SetValue(ctx, "plain", "just a string", 0))

	decoded, found, err := c.GetValue(ctx, "compound")
	require.NoError(t, err)
	require.True(t, found)
	m, ok := decoded.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 1200.0, m["meters"])

	plain, found, err := c.GetValue(ctx, "plain")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "just a string", plain)
}

func TestMGetMSet(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	require.NoError(t, c.MSet(ctx, map[string]string{"a": "1", "b": "2"}))

	values, err := c.MGet(ctx, "a", "b", "missing")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, values)
}

func TestHashOperations(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	require.NoError(t, c.HSet(ctx, "h", "f1", "v1"))
	require.NoError(t, c.HSet(ctx, "h", "f2", "v2"))

	v, found, err := c.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", v)

	all, err := c.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, c.HDel(ctx, "h", "f1"))
	_, found, err = c.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListAndSetOperations(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	require.NoError(t, c.RPush(ctx, "l", "a", "b", "c"))
	items, err := c.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, items)

	require.NoError(t, c.SAdd(ctx, "s", "x", "y"))
	members, err := c.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x", "y"}, members)

	require.NoError(t, c.SRem(ctx, "s", "x"))
	members, err = c.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, members)
}

func TestDeletePatternViaScan(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	for _, key := range []string{"geo:dist:a", "geo:dist:b", "geo:dist:c", "other:x"} {
		require.NoError(t, c.Set(ctx, key, "v", 0))
	}

	deleted, err := c.DeletePattern(ctx, "geo:dist:*")
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	_, found, err := c.Get(ctx, "other:x")
	require.NoError(t, err)
	assert.True(t, found, "non-matching keys survive")
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	c := NewWithClient(rdb, nil)
	defer c.Close()
	ctx := context.Background()

	mr.Close()

	for i := 0; i < 5; i++ {
		_, _, err := c.Get(ctx, "k")
		require.Error(t, err)
	}
	assert.Equal(t, resilience.StateOpen, c.BreakerState())

	_, _, err := c.Get(ctx, "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
}

func TestStatsCounters(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	_, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	_, _, err = c.Get(ctx, "absent")
	require.NoError(t, err)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Operations["set"])
	assert.Equal(t, int64(2), stats.Operations["get"])
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate(), 1e-9)
	assert.Equal(t, 3, stats.Samples)
}

func TestGeoAddRadius(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	taipei := core.Location{Lat: 25.0330, Lng: 121.5654}
	banqiao := core.Location{Lat: 25.0120, Lng: 121.4625}

	require.NoError(t, c.GeoAdd(ctx, "stations", "taipei", taipei))
	require.NoError(t, c.GeoAdd(ctx, "stations", "banqiao", banqiao))

	near, err := c.GeoRadius(ctx, "stations", taipei, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"taipei"}, near)

	wide, err := c.GeoRadius(ctx, "stations", taipei, 50)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"taipei", "banqiao"}, wide)
}
