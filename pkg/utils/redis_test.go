package utils

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrencyScriptsCompile(t *testing.T) {
	require.NotNil(t, concurrencyAcquireScript)
	require.NotNil(t, concurrencyReleaseScript)
}

func TestNewConcurrencyCap_Validation(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()

	cases := []struct {
		name   string
		rdb    redis.UniversalClient
		prefix string
		limit  int
		ttl    time.Duration
	}{
		{"nil client", nil, "calls", 1, time.Minute},
		{"empty prefix", rdb, "", 1, time.Minute},
		{"zero limit", rdb, "calls", 0, time.Minute},
		{"zero ttl", rdb, "calls", 1, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConcurrencyCap(tc.rdb, tc.prefix, tc.limit, tc.ttl)
			assert.Error(t, err)
		})
	}

	c, err := NewConcurrencyCap(rdb, "calls", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "calls:user-1", c.key("user-1"))

	_, err = c.Acquire(context.Background(), "")
	assert.Error(t, err)
	assert.Error(t, c.Release(context.Background(), ""))
}

func TestOpenRedis_RequiresAddr(t *testing.T) {
	_, err := OpenRedis(context.Background(), RedisConfig{})
	require.Error(t, err)
}
