package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirsync/terminal/internal/domain"
)

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

type RedisProductCache struct {
	client *redis.Client
}

func NewRedisProductCache(client *redis.Client) *RedisProductCache {
	return &RedisProductCache{client: client}
}

func (c *RedisProductCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisProductCache) Get(ctx context.Context, branchID string, barcode string) (*domain.ProductSnapshot, bool, error) {
	val, err := c.client.Get(ctx, productKey(branchID, barcode)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var p domain.ProductSnapshot
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		return nil, false, err
	}
	return &p, true, nil
}

func (c *RedisProductCache) Set(ctx context.Context, value *domain.ProductSnapshot, ttl time.Duration) error {
	if value == nil || value.Barcode == "" {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, productKey(value.BranchID, value.Barcode), payload, ttl).Err()
}

func (c *RedisProductCache) Invalidate(ctx context.Context, branchID string, barcode string) error {
	return c.client.Del(ctx, productKey(branchID, barcode)).Err()
}
