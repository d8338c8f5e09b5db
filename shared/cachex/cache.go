package cachex

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"live-support-routing-system/shared/config"
)

type Client struct {
	redis *redis.Client
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Client{redis: rdb}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.redis == nil {
		return errors.New("redis client not initialized")
	}
	return c.redis.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

func (c *Client) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c == nil || c.redis == nil {
		return errors.New("redis client not initialized")
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, key, b, ttl).Err()
}

func (c *Client) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if c == nil || c.redis == nil {
		return false, errors.New("redis client not initialized")
	}
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if c == nil || c.redis == nil {
		return errors.New("redis client not initialized")
	}
	return c.redis.Del(ctx, key).Err()
}

// AddToSetNX adds member to the sorted set at key with the given timestamp as
// score, only if the member is not already present (ZADD NX). Returns true
// when the member was added, false when it already existed. The single atomic
// round trip is what makes this usable as a dedup gate across workers.
func (c *Client) AddToSetNX(ctx context.Context, key string, member string, at time.Time) (bool, error) {
	if c == nil || c.redis == nil {
		return false, errors.New("redis client not initialized")
	}
	added, err := c.redis.ZAddNX(ctx, key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: member,
	}).Result()
	if err != nil {
		return false, err
	}
	return added > 0, nil
}

func (c *Client) RemoveFromSet(ctx context.Context, key string, member string) error {
	if c == nil || c.redis == nil {
		return errors.New("redis client not initialized")
	}
	return c.redis.ZRem(ctx, key, member).Err()
}

func (c *Client) SetSize(ctx context.Context, key string) (int64, error) {
	if c == nil || c.redis == nil {
		return 0, errors.New("redis client not initialized")
	}
	return c.redis.ZCard(ctx, key).Result()
}

// SetRank returns the zero-based position of member ordered by score, or -1
// when the member is not in the set.
func (c *Client) SetRank(ctx context.Context, key string, member string) (int64, error) {
	if c == nil || c.redis == nil {
		return 0, errors.New("redis client not initialized")
	}
	rank, err := c.redis.ZRank(ctx, key, member).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return -1, nil
		}
		return 0, err
	}
	return rank, nil
}

func (c *Client) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.redis
}
