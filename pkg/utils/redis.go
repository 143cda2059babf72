package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig controls redis client behavior.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 4 * time.Second
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

var concurrencyAcquireScript = redis.NewScript(`
-- KEYS[1] = counter key
-- ARGV[1] = limit (int)
-- ARGV[2] = ttl_ms (int)
-- Returns 1 if acquired, 0 if the limit is reached.
local current = redis.call('INCR', KEYS[1])
if current == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

var concurrencyReleaseScript = redis.NewScript(`
-- KEYS[1] = counter key
local current = redis.call('DECR', KEYS[1])
if current <= 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// ConcurrencyCap limits how many slots may be held at once per subject.
// Acquire is atomic (Lua); the TTL bounds slots leaked by a crashed holder.
type ConcurrencyCap struct {
	rdb    redis.UniversalClient
	prefix string
	limit  int
	ttl    time.Duration
}

// NewConcurrencyCap validates its arguments and returns a cap.
func NewConcurrencyCap(rdb redis.UniversalClient, prefix string, limit int, ttl time.Duration) (*ConcurrencyCap, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	if prefix == "" {
		return nil, errors.New("prefix is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be > 0")
	}
	return &ConcurrencyCap{rdb: rdb, prefix: prefix, limit: limit, ttl: ttl}, nil
}

func (c *ConcurrencyCap) key(subject string) string { return c.prefix + ":" + subject }

// Acquire takes one slot for subject. It returns false when the subject is at its limit.
func (c *ConcurrencyCap) Acquire(ctx context.Context, subject string) (bool, error) {
	if subject == "" {
		return false, errors.New("subject is required")
	}
	res, err := concurrencyAcquireScript.Run(ctx, c.rdb, []string{c.key(subject)}, c.limit, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Release returns a slot previously taken with Acquire.
func (c *ConcurrencyCap) Release(ctx context.Context, subject string) error {
	if subject == "" {
		return errors.New("subject is required")
	}
	return concurrencyReleaseScript.Run(ctx, c.rdb, []string{c.key(subject)}).Err()
}

// SeenSet remembers keys for a bounded time.
type SeenSet struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewSeenSet returns a SeenSet storing keys under prefix for ttl.
func NewSeenSet(rdb redis.UniversalClient, prefix string, ttl time.Duration) *SeenSet {
	return &SeenSet{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Seen reports whether key has been marked.
func (s *SeenSet) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.prefix+":"+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark records key. It returns false if key was already marked.
func (s *SeenSet) Mark(ctx context.Context, key string) (bool, error) {
	return s.rdb.SetNX(ctx, s.prefix+":"+key, time.Now().UTC().Unix(), s.ttl).Result()
}
