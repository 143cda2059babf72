// Package webhookguard short-circuits webhook deliveries that were already
// processed. It is an optimization only: correctness comes from the ledger's
// unique operation ids and the call record's terminal transition.
package webhookguard

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"billing-core/pkg/logger"
	"billing-core/pkg/utils"
)

// Guard remembers processed delivery keys in Redis. A nil *Guard never
// reports a delivery as seen.
type Guard struct {
	seen *utils.SeenSet
	log  *zap.Logger
}

// New returns a Guard backed by rdb, or nil when rdb is nil.
func New(rdb redis.UniversalClient, prefix string, ttl time.Duration, log *zap.Logger) *Guard {
	if rdb == nil {
		return nil
	}
	if prefix == "" {
		prefix = "webhook:seen"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Guard{seen: utils.NewSeenSet(rdb, prefix, ttl), log: logger.OrNop(log).Named("webhookguard")}
}

// Seen reports whether key was remembered. Redis errors read as not seen so the
// delivery falls through to the idempotent slow path.
func (g *Guard) Seen(ctx context.Context, key string) bool {
	if g == nil || key == "" {
		return false
	}
	ok, err := g.seen.Seen(ctx, key)
	if err != nil {
		g.log.Warn("seen lookup failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return ok
}

// Remember marks key as processed.
func (g *Guard) Remember(ctx context.Context, key string) {
	if g == nil || key == "" {
		return
	}
	if _, err := g.seen.Mark(ctx, key); err != nil {
		g.log.Warn("seen mark failed", zap.String("key", key), zap.Error(err))
	}
}
