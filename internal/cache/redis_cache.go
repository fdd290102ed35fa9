package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"posledger/backend/internal/report"
)

type RedisInventoryReportCache struct {
	client *redis.Client
}

func NewRedisInventoryReportCache(addr string, password string, db int) *RedisInventoryReportCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisInventoryReportCache{client: client}
}

func (c *RedisInventoryReportCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisInventoryReportCache) Close() error {
	return c.client.Close()
}

func (c *RedisInventoryReportCache) Get(ctx context.Context, key string) (*report.InventoryReport, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var out report.InventoryReport
	if err := json.Unmarshal([]byte(val), &out); err != nil {
		return nil, false, err
	}
	return &out, true, nil
}

func (c *RedisInventoryReportCache) Set(ctx context.Context, key string, value *report.InventoryReport, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisInventoryReportCache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
