package webhookguard

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNilGuardIsNoop(t *testing.T) {
	g := New(nil, "p", time.Minute, nil)
	require.Nil(t, g)
	assert.False(t, g.Seen(context.Background(), "evt-1"))
	g.Remember(context.Background(), "evt-1")
}

func TestGuard_RedisDownFallsThrough(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	core, logs := observer.New(zap.WarnLevel)

	g := New(rdb, "", 0, zap.New(core))
	require.NotNil(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.False(t, g.Seen(ctx, "evt-1"))
	g.Remember(ctx, "evt-1")
	assert.Equal(t, 2, logs.Len())
}

func TestGuard_EmptyKeyNeverSeen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer rdb.Close()
	g := New(rdb, "p", time.Minute, nil)
	assert.False(t, g.Seen(context.Background(), ""))
}
