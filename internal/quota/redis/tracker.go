// Package redis implements the anonymous quota tracker on top of Redis.
// Counters live in expiring keys: absence is zero, and every increment
// refreshes the expiry so an active visitor is not cut off mid-conversation
// by an unrelated TTL. The INCR/EXPIRE pair runs in a pipeline; the tracker
// tolerates over-counting but never under-counts.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultUsageTTL = 365 * 24 * time.Hour

// Tracker implements domain.QuotaTracker.
type Tracker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTracker creates a quota tracker. A zero ttl selects the default of one
// year.
func NewTracker(client *redis.Client, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = defaultUsageTTL
	}
	return &Tracker{
		client: client,
		ttl:    ttl,
	}
}

func usageKey(fingerprint string) string {
	return fmt.Sprintf("anon:%s:usage", fingerprint)
}

// CurrentUsage returns the interaction count for a fingerprint, zero when no
// counter exists.
func (t *Tracker) CurrentUsage(ctx context.Context, fingerprint string) (int, error) {
	val, err := t.client.Get(ctx, usageKey(fingerprint)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage counter: %w", err)
	}
	return val, nil
}

// RecordInteraction increments the counter and refreshes its expiry,
// returning the new total.
func (t *Tracker) RecordInteraction(ctx context.Context, fingerprint string) (int, error) {
	key := usageKey(fingerprint)

	pipe := t.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, t.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment usage counter: %w", err)
	}

	return int(incr.Val()), nil
}
