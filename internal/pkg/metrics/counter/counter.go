// Package counter keeps per-tenant daily usage counters in Redis hashes.
package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dailyKeyPrefix = "usage:counters:daily"
	// keys outlive their day so late readers still see the final value
	dailyKeyTTL = 48 * time.Hour
)

type Counter struct {
	rdb *redis.Client
	now func() time.Time
}

func New(rdb *redis.Client) *Counter {
	return &Counter{rdb: rdb, now: time.Now}
}

func (c *Counter) key(day time.Time) string {
	return fmt.Sprintf("%s:%s", dailyKeyPrefix, day.UTC().Format("2006-01-02"))
}

func field(tenantID, name string) string {
	return tenantID + ":" + name
}

// Add increments today's counter for the tenant and returns the new value.
func (c *Counter) Add(ctx context.Context, tenantID, name string, delta int64) (int64, error) {
	key := c.key(c.now())
	pipe := c.rdb.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, field(tenantID, name), delta)
	pipe.Expire(ctx, key, dailyKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Today returns today's counter value, zero when nothing was counted yet.
func (c *Counter) Today(ctx context.Context, tenantID, name string) (int64, error) {
	n, err := c.rdb.HGet(ctx, c.key(c.now()), field(tenantID, name)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
