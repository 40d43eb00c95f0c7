package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// offlineClient never dials until a command runs.
func offlineClient(t *testing.T) *Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return &Client{rdb: rdb, addr: "127.0.0.1:1"}
}

func TestDriverOptions(t *testing.T) {
	opts := Options{Addr: "cache.internal:6380", DB: 2, PoolSize: 8}.driver()
	assert.Equal(t, "settler", opts.ClientName)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, defaultDialTimeout, opts.DialTimeout)
	assert.Equal(t, defaultIOTimeout, opts.ReadTimeout)
	assert.Equal(t, defaultIOTimeout, opts.WriteTimeout)
	assert.Nil(t, opts.TLSConfig)

	tlsOpts := Options{Addr: "cache.internal:6380", TLS: true, IOTimeout: time.Second}.driver()
	require.NotNil(t, tlsOpts.TLSConfig)
	assert.Equal(t, "cache.internal", tlsOpts.TLSConfig.ServerName)
	assert.Equal(t, time.Second, tlsOpts.ReadTimeout)
}

func TestDialUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	assert.ErrorContains(t, err, "redis: ping 127.0.0.1:1")
}

func TestSignalBusNamespace(t *testing.T) {
	c := offlineClient(t)
	assert.Equal(t, "settler:bets:accepted", NewSignalBus(c, "settler").name("bets:accepted"))
	assert.Equal(t, "settlements", NewSignalBus(c, "").name("settlements"))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "lock:settle:42", lockKey("settle:42"))
	assert.Equal(t, "ratelimit:bet:10.0.0.1", rateLimitKey("bet:10.0.0.1"))
	assert.True(t, hasPattern("bets:*"))
	assert.False(t, hasPattern("bets:accepted"))
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	require.NotEmpty(t, slidingWindowLua)
	assert.Contains(t, slidingWindowLua, "ZREMRANGEBYSCORE")
	assert.Contains(t, slidingWindowLua, "return {1, count + 1}")
}

func TestAllowWithoutLimitSkipsRedis(t *testing.T) {
	rl := NewRateLimiter(offlineClient(t))
	ok, err := rl.Allow(context.Background(), "bet:1.2.3.4", 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowReportsRedisErrors(t *testing.T) {
	rl := NewRateLimiter(offlineClient(t))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := rl.Allow(ctx, "bet:1.2.3.4", 5, time.Minute)
	assert.ErrorContains(t, err, "redis: rate limit allow")
}
