package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// AcquireLock takes a lock owned by a fresh token.
// ok is false when somebody else holds it.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.New().String()
	ok, err = c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// ReleaseLock deletes the lock only if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}

// CachedOrderStatus is the read-model served to the success page
type CachedOrderStatus struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
	Total  int64  `json:"total"`
}

func statusKey(orderID string) string {
	return fmt.Sprintf("order-status:%s", orderID)
}

// GetOrderStatus returns the cached status, or nil on a miss
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (*CachedOrderStatus, error) {
	raw, err := c.rdb.Get(ctx, statusKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var st CachedOrderStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("corrupt cached status: %w", err)
	}
	return &st, nil
}

// SetOrderStatus caches an order's status for ttl
func (c *Client) SetOrderStatus(ctx context.Context, orderID string, st *CachedOrderStatus, ttl time.Duration) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, statusKey(orderID), raw, ttl).Err()
}

// AddOrderStatus caches st only when no entry exists. Readers populate the cache
// this way so a value written by a concurrent transition is never overwritten.
func (c *Client) AddOrderStatus(ctx context.Context, orderID string, st *CachedOrderStatus, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return false, err
	}
	return c.rdb.SetNX(ctx, statusKey(orderID), raw, ttl).Result()
}

// InvalidateOrderStatus drops the cached status after a transition
func (c *Client) InvalidateOrderStatus(ctx context.Context, orderID string) error {
	return c.rdb.Del(ctx, statusKey(orderID)).Err()
}
