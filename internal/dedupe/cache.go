package dedupe

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// AcceptCache remembers recently accepted event_ids so the gateway can
// skip re-publishing an obvious client retry. Purely a performance shim:
// a Redis miss (expiry, restart, outage) just means one more duplicate on
// the topic, which the consumer's claim insert absorbs anyway.
type AcceptCache struct {
	rds       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func NewAcceptCache(rds *redis.Client, ttl time.Duration) *AcceptCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &AcceptCache{rds: rds, keyPrefix: "evt:", ttl: ttl}
}

// Seen reports whether the event_id was accepted within the TTL window.
// Redis errors degrade to unseen: publishing twice is safe, suppressing
// wrongly is not.
func (c *AcceptCache) Seen(ctx context.Context, eventID string) bool {
	if c == nil || c.rds == nil {
		return false
	}
	n, err := c.rds.Exists(ctx, c.keyPrefix+eventID).Result()
	return err == nil && n > 0
}

// MarkAccepted records the event_id. Callers must only mark after the
// broker acked the publish; a mark without a published message would
// suppress the client's retry and lose the event. Best-effort write.
func (c *AcceptCache) MarkAccepted(ctx context.Context, eventID string) {
	if c == nil || c.rds == nil {
		return
	}
	_ = c.rds.Set(ctx, c.keyPrefix+eventID, 1, c.ttl).Err()
}
