package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openbotauth/botgate/pkg/verifier"
)

// dayFormat buckets counters per UTC day.
const dayFormat = "20060102"

// RedisCounters maintains the fast per-agent and global counters: signed /
// verified / failed by day bucket, the per-agent origin set for site
// diversity, and last-seen timestamps.
type RedisCounters struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisCounters wraps an existing client. The key prefix namespaces all
// counter keys, e.g. "botgate:".
func NewRedisCounters(client redis.UniversalClient, keyPrefix string) *RedisCounters {
	return &RedisCounters{client: client, keyPrefix: keyPrefix}
}

// Record updates all counters for one attempt in a single pipeline round trip.
func (c *RedisCounters) Record(ctx context.Context, a verifier.Attempt) error {
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	day := at.UTC().Format(dayFormat)
	outcome := "failed"
	if a.Verified {
		outcome = "verified"
	}
	kid := a.Kid
	if kid == "" {
		kid = "unknown"
	}

	pipe := c.client.Pipeline()
	pipe.Incr(ctx, c.keyPrefix+"stats:"+kid+":signed:"+day)
	pipe.Incr(ctx, c.keyPrefix+"stats:"+kid+":"+outcome+":"+day)
	pipe.Incr(ctx, c.keyPrefix+"stats:global:signed")
	pipe.Incr(ctx, c.keyPrefix+"stats:global:"+outcome)
	if a.Origin != "" {
		pipe.SAdd(ctx, c.keyPrefix+"origins:"+kid, a.Origin)
	}
	pipe.Set(ctx, c.keyPrefix+"last_seen:"+kid, at.Unix(), 0)
	if a.WeakFreshness {
		pipe.Incr(ctx, c.keyPrefix+"stats:"+kid+":weak_freshness:"+day)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("counter pipeline failed: %w", err)
	}
	return nil
}

// OriginCount returns the size of an agent's origin set.
func (c *RedisCounters) OriginCount(ctx context.Context, kid string) (int64, error) {
	return c.client.SCard(ctx, c.keyPrefix+"origins:"+kid).Result()
}

// Karma derives an agent's reputation score from its counters. The formula
// runs offline, outside the verification hot path: one point per hundred
// requests plus ten per unique origin, zeroed when the rejection rate
// exceeds the threshold.
func Karma(requests, uniqueOrigins int64, rejectionRate, threshold float64) int64 {
	if rejectionRate > threshold {
		return 0
	}
	return requests/100 + uniqueOrigins*10
}
