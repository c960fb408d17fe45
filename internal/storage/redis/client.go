// Package redis backs the session store with a Redis instance.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionTTL       = 30 * 24 * time.Hour
	sessionKeyPrefix = "session:"
)

type Client struct {
	rdb *redis.Client
}

// New parses the URL (redis://...) and pings the instance once.
func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis.New: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis.New: ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

func (c *Client) SetSession(ctx context.Context, sessionID, userID, secret string) error {
	key := sessionKeyPrefix + sessionID
	if err := c.rdb.HSet(ctx, key, "user_id", userID, "secret", secret).Err(); err != nil {
		return fmt.Errorf("redis.SetSession: %w", err)
	}
	if err := c.rdb.Expire(ctx, key, sessionTTL).Err(); err != nil {
		return fmt.Errorf("redis.SetSession: expire: %w", err)
	}
	return nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (string, string, error) {
	vals, err := c.rdb.HGetAll(ctx, sessionKeyPrefix+sessionID).Result()
	if err != nil {
		return "", "", fmt.Errorf("redis.GetSession: %w", err)
	}
	return vals["user_id"], vals["secret"], nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	if err := c.rdb.Del(ctx, sessionKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("redis.DeleteSession: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
